package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	redisclient "circuitlab-backend/pkg/database/redis"

	"github.com/google/uuid"
)

// BridgeChannel carries push events between processes: the worker publishes,
// every gateway instance subscribes and delivers to its local sessions.
const BridgeChannel = "realtime:events"

const sessionKeyPrefix = "realtime:session:"

// BridgeEvent is one fan-out instruction: an envelope plus the rooms it
// should reach.
type BridgeEvent struct {
	Targets []string        `json:"targets"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Publisher posts fan-out instructions onto the bridge.
type Publisher struct {
	redis *redisclient.Client
}

func NewPublisher(redis *redisclient.Client) *Publisher {
	return &Publisher{redis: redis}
}

func (p *Publisher) Emit(ctx context.Context, targets []string, event string, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(BridgeEvent{Targets: targets, Event: env.Event, Data: env.Data})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge event: %w", err)
	}
	return p.redis.Publish(ctx, BridgeChannel, payload)
}

// RunBridge subscribes to the bridge channel and feeds events into the local
// hub until the context ends. Run it once per gateway process.
func RunBridge(ctx context.Context, redis *redisclient.Client, hub *Hub) {
	sub := redis.Subscribe(ctx, BridgeChannel)
	defer sub.Close()

	log.Printf("Realtime bridge subscribed to %s", BridgeChannel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev BridgeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("Dropping malformed bridge event: %v", err)
				continue
			}
			for _, target := range ev.Targets {
				hub.Emit(target, Envelope{Event: ev.Event, Data: ev.Data})
			}
		}
	}
}

// SessionDirectory records which identity currently holds a live session.
// It is the shared, addressable view of the hub's in-memory map, so that a
// horizontally scaled deployment can tell whether a user is connected
// anywhere.
type SessionDirectory struct {
	redis *redisclient.Client
}

func NewSessionDirectory(redis *redisclient.Client) *SessionDirectory {
	return &SessionDirectory{redis: redis}
}

func (d *SessionDirectory) Put(ctx context.Context, userID, sessionID uuid.UUID) error {
	return d.redis.Set(ctx, sessionKeyPrefix+userID.String(), sessionID.String(), 0)
}

// Remove deletes the mapping only when it still belongs to the given session,
// so a newer connection's record survives the old connection's teardown.
func (d *SessionDirectory) Remove(ctx context.Context, userID, sessionID uuid.UUID) error {
	key := sessionKeyPrefix + userID.String()
	current, err := d.redis.Get(ctx, key)
	if err != nil {
		return nil // already gone
	}
	if current != sessionID.String() {
		return nil
	}
	return d.redis.Delete(ctx, key)
}
