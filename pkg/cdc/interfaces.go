package cdc

import (
	"context"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// ChangeFeed delivers insert and update post-images for the customers collection
// in commit order.
type ChangeFeed interface {
	// Open pins the feed at the current end of the change stream. Changes committed
	// after Open returns are delivered by Watch.
	Open(ctx context.Context) error

	// Watch sends changes to out until ctx is cancelled, in which case it returns nil,
	// or until an unrecoverable error occurs. Watch never closes out.
	Watch(ctx context.Context, out chan<- types.ChangeEvent) error

	// Close releases any resources used by the feed
	Close() error
}
