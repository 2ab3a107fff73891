package feed

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

// notifyChannelPrefix namespaces the pub/sub channels one per session.
const notifyChannelPrefix = "chat:notify:"

func notifyChannel(sessionID string) string {
	return notifyChannelPrefix + sessionID
}

// RedisNotifier mirrors broker events over Redis pub/sub so sync loops in
// other processes wake up too. Publishing is fire-and-forget: Redis being
// down degrades cross-process wake-ups to tick-driven sync, nothing more.
type RedisNotifier struct {
	client *redis.Client
	local  *Broker
}

// NewRedisNotifier wraps a Redis client. local receives events arriving
// from other processes; it may be nil when this process only publishes.
func NewRedisNotifier(client *redis.Client, local *Broker) *RedisNotifier {
	return &RedisNotifier{client: client, local: local}
}

// Publish sends the event to this session's Redis channel.
func (n *RedisNotifier) Publish(event Event) {
	if n == nil || n.client == nil || event.SessionID == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := n.client.Publish(context.Background(), notifyChannel(event.SessionID), payload).Err(); err != nil {
		log.Printf("feed: redis publish %s: %v", event.Kind, err)
	}
}

// Listen subscribes to every session notify channel and republishes
// incoming events into the local broker. It blocks until ctx is done.
func (n *RedisNotifier) Listen(ctx context.Context) error {
	if n == nil || n.client == nil || n.local == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	pubsub := n.client.PSubscribe(ctx, notifyChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("feed: drop malformed notify payload on %s: %v", msg.Channel, err)
				continue
			}
			if event.SessionID == "" {
				event.SessionID = strings.TrimPrefix(msg.Channel, notifyChannelPrefix)
			}
			n.local.Publish(event)
		}
	}
}

// Fanout publishes to several publishers in order. Nil entries are skipped.
type Fanout []Publisher

// Publish forwards the event to each publisher.
func (f Fanout) Publish(event Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(event)
		}
	}
}
