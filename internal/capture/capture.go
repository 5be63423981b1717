// Package capture snapshots a live page into the frame structure the
// resolver consumes, recursing into iframes.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"visualgrid/internal/screenshot"
	"visualgrid/pkg/types"
)

// Capturer renders pages and turns them into frame captures.
type Capturer struct {
	renderer      Renderer
	maxFrameDepth int
	pipeline      screenshot.Pipeline
	logger        *slog.Logger
}

// Result is a captured page.
type Result struct {
	Frame types.Frame

	// Screenshot is the processed top-level PNG, if the renderer took one.
	Screenshot []byte
}

// New builds a capturer. Iframes nested deeper than maxFrameDepth are left
// out of the capture.
func New(r Renderer, maxFrameDepth int, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFrameDepth < 0 {
		maxFrameDepth = 0
	}
	return &Capturer{renderer: r, maxFrameDepth: maxFrameDepth, logger: logger}
}

// SetScreenshotPipeline sets the transforms applied to top-level screenshots.
func (c *Capturer) SetScreenshotPipeline(p screenshot.Pipeline) {
	c.pipeline = p
}

// Capture loads target and every reachable iframe.
func (c *Capturer) Capture(ctx context.Context, target string) (*Result, error) {
	page, err := c.renderer.Render(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", target, err)
	}
	frame, err := c.frame(ctx, page, 0)
	if err != nil {
		return nil, err
	}
	out := &Result{Frame: frame}
	if len(page.Screenshot) > 0 {
		out.Screenshot, err = c.pipeline.ProcessPNG(page.Screenshot)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Capturer) capture(ctx context.Context, target string, depth int) (types.Frame, error) {
	page, err := c.renderer.Render(ctx, target)
	if err != nil {
		return types.Frame{}, fmt.Errorf("render %s: %w", target, err)
	}
	return c.frame(ctx, page, depth)
}

func (c *Capturer) frame(ctx context.Context, page *Page, depth int) (types.Frame, error) {
	doc, err := BuildDocument(page.HTML, page.FinalURL)
	if err != nil {
		return types.Frame{}, fmt.Errorf("build %s: %w", page.URL, err)
	}
	frame := doc.Frame
	c.logger.Debug("page captured",
		"url", page.FinalURL,
		"depth", depth,
		"nodes", len(frame.CDT),
		"resources", len(frame.ResourceURLs),
		"frames", len(doc.Children),
	)
	if len(doc.Children) == 0 {
		return frame, nil
	}
	if depth >= c.maxFrameDepth {
		c.logger.Debug("frame depth limit reached", "url", page.FinalURL, "skipped", len(doc.Children))
		return frame, nil
	}

	children := make([]*types.Frame, len(doc.Children))
	var wg sync.WaitGroup
	for i, child := range doc.Children {
		wg.Add(1)
		go func(i int, child ChildFrame) {
			defer wg.Done()
			sub, err := c.capture(ctx, child.URL, depth+1)
			if err != nil {
				c.logger.Warn("child frame capture failed", "url", child.URL, "error", err)
				return
			}
			sub.SrcAttr = child.SrcAttr
			children[i] = &sub
		}(i, child)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	for _, sub := range children {
		if sub != nil {
			frame.Frames = append(frame.Frames, *sub)
		}
	}
	return frame, nil
}
