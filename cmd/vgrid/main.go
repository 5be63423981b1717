package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"visualgrid/internal/config"
	"visualgrid/internal/engine"
	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults)")
	snapshotPath := flag.String("snapshot", "", "Captured frame tree to resolve (JSON)")
	target := flag.String("url", "", "Page to capture and resolve")
	outPath := flag.String("out", "", "Write the bundle here instead of stdout")
	shotPath := flag.String("screenshot", "", "Write the processed screenshot here (chromedp mode)")
	flag.Parse()

	if (*snapshotPath == "") == (*target == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -snapshot or -url is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.NewEngine(ctx, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}
	if err := run(ctx, eng, *snapshotPath, *target, *outPath, *shotPath); err != nil {
		_ = eng.Close()
		fmt.Fprintf(os.Stderr, "resolve failed: %v\n", err)
		os.Exit(1)
	}
	if err := eng.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close engine: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

func run(ctx context.Context, eng *engine.Engine, snapshotPath, target, outPath, shotPath string) error {
	var (
		bundle *rgrid.Bundle
		shot   []byte
	)
	if snapshotPath != "" {
		frame, err := readSnapshot(snapshotPath)
		if err != nil {
			return err
		}
		bundle, err = eng.ResolveSnapshot(ctx, *frame)
		if err != nil {
			return err
		}
	} else {
		got, err := eng.CaptureAndResolve(ctx, target)
		if err != nil {
			return err
		}
		bundle, shot = got.Bundle, got.Screenshot
	}

	if shotPath != "" {
		if len(shot) == 0 {
			eng.Logger().Warn("no screenshot taken", "path", shotPath)
		} else if err := os.WriteFile(shotPath, shot, 0o644); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
	}
	return writeBundle(bundle, outPath)
}

func readSnapshot(path string) (*types.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer fh.Close()
	var frame types.Frame
	if err := json.NewDecoder(fh).Decode(&frame); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &frame, nil
}

func writeBundle(bundle *rgrid.Bundle, outPath string) error {
	var w io.Writer = os.Stdout
	if outPath != "" {
		fh, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer fh.Close()
		w = fh
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}
