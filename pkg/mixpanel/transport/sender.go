// Package transport delivers batches of messages to the ingestion API.
package transport

import (
	"context"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
)

// Version is reported in the User-Agent header.
const Version = "0.1.0"

// UserAgent identifies the SDK to the ingestion API.
const UserAgent = "mixpanel-go/" + Version

// Sender delivers one batch of messages of a single kind.
// Implementations must be safe for concurrent use.
type Sender interface {
	// Send returns nil only when the server accepted the whole batch.
	// Failures are *errors.NetworkError, *errors.HTTPError or wrap
	// errors.ErrRejected.
	Send(ctx context.Context, kind message.Kind, batch []message.Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, kind message.Kind, batch []message.Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, kind message.Kind, batch []message.Message) error {
	return f(ctx, kind, batch)
}

// EndpointPath returns the API path messages of kind are posted to.
func EndpointPath(kind message.Kind) string {
	if kind == message.KindPeople {
		return "/engage"
	}
	return "/track"
}
