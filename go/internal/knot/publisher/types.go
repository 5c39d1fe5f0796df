package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unsentlabs/unsent/go/internal/knot/events"
)

// Publisher delivers lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event events.Lifecycle) error
	Close() error
}

// NewLifecycle wraps payload in a lifecycle envelope with a fresh id.
func NewLifecycle(roomID string, eventType events.Type, payload any, at time.Time) (events.Lifecycle, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return events.Lifecycle{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return events.Lifecycle{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      eventType,
		Timestamp: at.UTC(),
		Data:      data,
	}, nil
}

// Noop drops every event. Used when no event stream is configured.
type Noop struct{}

func (Noop) Publish(context.Context, events.Lifecycle) error { return nil }
func (Noop) Close() error                                    { return nil }
