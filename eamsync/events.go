package eamsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	EventSyncQueued     = "SYNC_QUEUED"
	EventSyncProcessing = "SYNC_PROCESSING"
	EventSyncSuccess    = "SYNC_SUCCESS"
	EventSyncConflict   = "SYNC_CONFLICT"
	EventSyncFailed     = "SYNC_FAILED"

	EventIngestStarted   = "INGEST_STARTED"
	EventIngestCompleted = "INGEST_COMPLETED"
	EventIngestFailed    = "INGEST_FAILED"

	EventConflictResolved = "CONFLICT_RESOLVED"
	EventPruneCompleted   = "PRUNE_COMPLETED"
)

// Event is one sync lifecycle notification delivered to UI subscribers.
// Origin carries the publishing instance's id so the redis relay can drop
// its own echoes.
type Event struct {
	Type           string    `json:"type"`
	OrganizationId string    `json:"organizationId"`
	ItemId         uint      `json:"itemId,omitempty"`
	EntityType     string    `json:"entityType,omitempty"`
	ExternalId     string    `json:"externalId,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier fans events out to in-process subscribers and mirrors them onto a
// redis pub/sub channel per organization so every service replica delivers to
// its own SSE clients. Delivery is best effort: a subscriber whose buffer is
// full misses the event and is expected to refresh from the sync-status
// endpoint on reconnect.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	redis       *redis.Client
	instanceId  string
	cancelRelay context.CancelFunc
}

func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[chan Event]struct{}),
		redis:       redisClient,
		instanceId:  uuid.NewString(),
	}
}

func eventChannelName(organizationId string) string {
	return "eam:events:" + organizationId
}

// Publish delivers to local subscribers and mirrors to redis. Never blocks.
func (n *Notifier) Publish(ctx context.Context, organizationId string, event Event) {
	event.OrganizationId = organizationId
	event.Origin = n.instanceId
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	n.deliverLocal(event)

	if n.redis != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		if err := n.redis.Publish(ctx, eventChannelName(organizationId), payload).Err(); err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"organizationId": organizationId,
				"eventType":      event.Type,
			}).Warn("redis event publish failed: " + err.Error())
		}
	}
}

func (n *Notifier) deliverLocal(event Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subscribers[event.OrganizationId] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers an SSE client for one organization. The returned cancel
// func must be called when the client disconnects.
func (n *Notifier) Subscribe(organizationId string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	n.mu.Lock()
	if n.subscribers[organizationId] == nil {
		n.subscribers[organizationId] = make(map[chan Event]struct{})
	}
	n.subscribers[organizationId][ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if subs := n.subscribers[organizationId]; subs != nil {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(n.subscribers, organizationId)
			}
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// StartRelay pattern-subscribes the whole event namespace and re-delivers
// peer-published events to local subscribers, so organizations connecting
// after startup are covered without a restart. The instance's own echoes come
// back over redis too and are dropped by Origin.
func (n *Notifier) StartRelay(ctx context.Context) {
	if n.redis == nil {
		return
	}
	ctx, n.cancelRelay = context.WithCancel(ctx)
	sub := n.redis.PSubscribe(ctx, eventChannelName("*"))

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				if event.Origin == n.instanceId {
					continue
				}
				n.deliverLocal(event)
			}
		}
	}()
}

func (n *Notifier) StopRelay() {
	if n.cancelRelay != nil {
		n.cancelRelay()
	}
}
