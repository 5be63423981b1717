// Package store keeps resource content addressed by its hash, so a bundle
// only has to carry content the render service has not already seen.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"visualgrid/internal/config"
	"visualgrid/internal/rgrid"
)

// Store is a content-addressed resource store.
type Store interface {
	Has(ctx context.Context, hash string) (bool, error)
	Put(ctx context.Context, res *rgrid.Resource) error
	Close() error
}

// ErrNoContent is returned when a placeholder is offered to Put.
var ErrNoContent = errors.New("resource has no content")

// Open builds the store selected by cfg.Driver. The "none" driver yields a
// nil Store, which MarkKnown and Upload treat as empty.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "file":
		fs, err := NewFileStore(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "postgres", "sqlite":
		ss, err := OpenSQL(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// MarkKnown flags every bundle resource whose content s already holds, so it
// is encoded by reference. It returns how many distinct hashes were known.
func MarkKnown(ctx context.Context, s Store, b *rgrid.Bundle) (int, error) {
	if s == nil || b == nil {
		return 0, nil
	}
	known := 0
	for _, res := range b.Unique() {
		ok, err := s.Has(ctx, res.Hash())
		if err != nil {
			return known, fmt.Errorf("check %s: %w", res.URL, err)
		}
		if ok {
			b.MarkKnown(res.Hash())
			known++
		}
	}
	return known, nil
}

// Upload stores the content of every bundle resource s does not hold yet and
// marks all of them known. It returns how many resources were written.
func Upload(ctx context.Context, s Store, b *rgrid.Bundle) (int, error) {
	if s == nil || b == nil {
		return 0, nil
	}
	written := 0
	for _, res := range b.Unique() {
		if b.Known(res.Hash()) {
			continue
		}
		ok, err := s.Has(ctx, res.Hash())
		if err != nil {
			return written, fmt.Errorf("check %s: %w", res.URL, err)
		}
		if !ok {
			if err := s.Put(ctx, res); err != nil {
				return written, fmt.Errorf("store %s: %w", res.URL, err)
			}
			written++
		}
		b.MarkKnown(res.Hash())
	}
	return written, nil
}
