package cart

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested cart could not be located.
var ErrNotFound = errors.New("cart not found")

// Store persists cart aggregates. Update is the single mutation entry
// point: implementations load the cart under a row-level lock (or
// equivalent), increment the version counter, then apply fn to the bumped
// copy and persist it atomically. Version numbers strictly increase and are
// never reused even when two requests race; fn observes the version the
// mutation will commit with. An error from fn aborts the whole update.
type Store interface {
	Get(ctx context.Context, id string) (Cart, error)
	Create(ctx context.Context, c Cart) (Cart, error)
	Update(ctx context.Context, id string, fn func(c *Cart) error) (Cart, error)
}
