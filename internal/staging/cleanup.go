package staging

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// CleanupPolicy decides which staged objects are removed once a tile finishes.
type CleanupPolicy string

const (
	// CleanupImmediate removes the input and every result artifact.
	CleanupImmediate CleanupPolicy = "immediate"
	// CleanupInputOnly removes the staged input and keeps results.
	CleanupInputOnly CleanupPolicy = "input_only"
	CleanupDisabled  CleanupPolicy = "disabled"
)

func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch p := CleanupPolicy(s); p {
	case CleanupImmediate, CleanupInputOnly, CleanupDisabled:
		return p, nil
	case "":
		return CleanupImmediate, nil
	default:
		return "", fmt.Errorf("unknown cleanup policy %q", s)
	}
}

// Cleaner applies a CleanupPolicy to the objects staged for one tile.
type Cleaner struct {
	store  *Store
	policy CleanupPolicy
}

func NewCleaner(store *Store, policy CleanupPolicy) *Cleaner {
	return &Cleaner{store: store, policy: policy}
}

func (c *Cleaner) Policy() CleanupPolicy {
	return c.policy
}

// Cleanup removes input and, under CleanupImmediate, the given artifacts. Empty
// URIs are skipped. Deletes are best-effort and never fail the caller.
func (c *Cleaner) Cleanup(ctx context.Context, input string, artifacts ...string) {
	var uris []string
	switch c.policy {
	case CleanupDisabled:
		return
	case CleanupInputOnly:
		uris = []string{input}
	default:
		uris = append([]string{input}, artifacts...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, uri := range uris {
		if uri == "" {
			continue
		}
		g.Go(func() error {
			c.store.Delete(ctx, uri)
			return nil
		})
	}
	_ = g.Wait()
}
