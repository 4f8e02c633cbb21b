package notify

import (
	"context"
	"errors"

	"github.com/pitabwire/statusflow/model"
)

// Fanout publishes every change to each publisher in order. All publishers
// are attempted; their errors are joined.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, change model.Change) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
