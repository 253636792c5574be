package eventbus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Handler reacts to one delivered event. A nil return acknowledges the
// delivery; an error drops it.
type Handler func(ctx context.Context, body []byte) error

// JSON adapts a typed handler. A payload that does not decode into T is a
// handler error.
func JSON[T any](fn func(ctx context.Context, event T) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var event T
		if err := json.Unmarshal(body, &event); err != nil {
			return errors.Wrap(err, "decoding event payload")
		}
		return fn(ctx, event)
	}
}
