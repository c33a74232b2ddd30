// Package channels defines the transport adapter contract and the registry
// that bridges adapters to the event bus. Adapters normalize platform
// messages into models.Inbound and deliver agent responses back out.
package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/talon-ai/talon/pkg/models"
)

// Adapter is one messaging transport. Start must be idempotent: a second
// call on a running adapter is a warning no-op, never a duplicate listener.
type Adapter interface {
	// Start begins receiving messages. It returns once the adapter is
	// listening; delivery happens on the Messages channel.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and closes its Messages channel.
	Stop(ctx context.Context) error

	// Send delivers text to the conversation identified by sessionKey.
	Send(ctx context.Context, sessionKey, text string) error

	// Messages streams normalized inbound messages until Stop.
	Messages() <-chan *models.Inbound

	// Name returns the channel type this adapter serves.
	Name() models.ChannelType
}

// PeerFromSessionKey extracts the transport-level conversation id from a
// session key of the form "{channel}:dm:{senderId}",
// "{channel}:group:{groupId}", or "{channel}:group:{groupId}:{senderId}".
func PeerFromSessionKey(key string) (string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("malformed session key %q", key)
	}
	peer := parts[2]
	// Per-sender group keys append the sender after the group id; delivery
	// always targets the group itself.
	if parts[1] == "group" {
		peer, _, _ = strings.Cut(peer, ":")
	}
	return peer, nil
}
