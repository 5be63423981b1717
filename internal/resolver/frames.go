package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"visualgrid/internal/rgrid"
	"visualgrid/pkg/types"
)

// CreateDOMAndMapping resolves a captured page and all of its nested frames.
// Every frame gets its own Dom whose resources are scoped to that frame; the
// bundle's AllResources merges every frame's map by URL.
func (r *Resolver) CreateDOMAndMapping(ctx context.Context, sess *Session, frame types.Frame) (*rgrid.Bundle, error) {
	dom, all, err := r.resolveFrame(ctx, sess, frame)
	if err != nil {
		return nil, err
	}
	return rgrid.NewBundle(dom, all), nil
}

func (r *Resolver) resolveFrame(ctx context.Context, sess *Session, frame types.Frame) (*rgrid.Dom, rgrid.ResourceMap, error) {
	base := strings.TrimSpace(frame.URL)

	children := make([]*rgrid.Dom, len(frame.Frames))
	childMaps := make([]rgrid.ResourceMap, len(frame.Frames))
	errs := make([]error, len(frame.Frames))
	var wg sync.WaitGroup
	for i := range frame.Frames {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			children[i], childMaps[i], errs[i] = r.resolveFrame(ctx, sess, frame.Frames[i])
		}(i)
	}

	own, err := r.GetAllResources(ctx, sess, Input{
		BaseURL:          base,
		ResourceURLs:     frame.ResourceURLs,
		ResourceContents: frame.ResourceContents,
		CDT:              frame.CDT,
	})
	wg.Wait()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve frame %s: %w", base, err)
	}
	for i, cerr := range errs {
		if cerr != nil {
			return nil, nil, fmt.Errorf("resolve child frame %d of %s: %w", i, base, cerr)
		}
	}

	// a child document replaces whatever was fetched under its URL
	all := make(rgrid.ResourceMap, len(own))
	docs := make(rgrid.ResourceMap, len(children))
	for i, child := range children {
		res, err := child.AsResource()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrOrchestration, err)
		}
		key := frameKey(base, frame.Frames[i])
		if prev, taken := own[key]; taken && prev.ContentType != rgrid.CDTContentType {
			r.logger.Debug("child frame replaces fetched resource",
				"frame", base,
				"url", key,
				"content_type", prev.ContentType,
			)
		}
		own[key] = res
		docs[key] = res
		all.Merge(childMaps[i])
	}
	for key, res := range docs {
		all[key] = res
	}
	all.Merge(own)

	return &rgrid.Dom{
		URL:       base,
		CDT:       frame.CDT,
		Resources: own,
		Frames:    children,
	}, all, nil
}

// frameKey is the URL a child frame document is registered under in its
// parent's resource map.
func frameKey(parentBase string, child types.Frame) string {
	if u, ok := rgrid.Resolve(parentBase, child.URL); ok {
		return u
	}
	if u, ok := rgrid.Resolve(parentBase, child.SrcAttr); ok {
		return u
	}
	return strings.TrimSpace(child.URL)
}
