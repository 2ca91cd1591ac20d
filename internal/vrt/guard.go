package vrt

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
)

type chainKey struct{}

// chain is the list of dataset identities being read by the current call
// chain, innermost first.
type chain struct {
	parent *chain
	id     string
}

// enter records id on the context's read chain. It fails with
// ErrRecursion when id is already on the chain. The entry lives exactly as
// long as the returned context is used, so every exit path drops it.
func enter(ctx context.Context, id string) (context.Context, error) {
	head, _ := ctx.Value(chainKey{}).(*chain)
	for c := head; c != nil; c = c.parent {
		if c.id == id {
			raster.Debugf("vrt: recursion detected on %s", shorten(id))
			return ctx, errors.Wrapf(ErrRecursion, "%s", shorten(id))
		}
	}
	return context.WithValue(ctx, chainKey{}, &chain{parent: head, id: id}), nil
}

// shorten keeps identities of literal documents readable in messages.
func shorten(id string) string {
	if len(id) > 80 {
		return id[:77] + "..."
	}
	return id
}
