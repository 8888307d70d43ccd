package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EnvironmentEvent notifies the web layer of environment status changes.
type EnvironmentEvent struct {
	EnvironmentID string `json:"environment_id"`
	OwnerID       string `json:"owner_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// ReconcileEvent reports a single reconciliation repair.
type ReconcileEvent struct {
	EnvironmentID string `json:"environment_id"`
	Action        string `json:"action"`
	Detail        string `json:"detail,omitempty"`
}

const (
	ChannelEnvironment = "erm:events:environment"
	ChannelReconcile   = "erm:events:reconcile"
)

// Bus publishes events over redis pub/sub. A nil Bus drops events, so
// callers need no presence checks when redis is not configured.
type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	if b == nil || b.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	ch := make(chan *Event, 100)
	if b == nil || b.client == nil {
		close(ch)
		return ch
	}
	sub := b.client.Subscribe(ctx, channels...)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			ch <- &event
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
