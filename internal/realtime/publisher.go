// README: Real-time push channel. The dispatch core publishes events; delivery and
// reconnection belong to the clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"firebase.google.com/go/v4/db"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridepool/internal/logger"
	"ridepool/internal/types"
)

const (
	EventRideUpdated  = "ride_updated"
	EventRouteUpdated = "route_updated"
	EventQueueUpdated = "queue_updated"
)

func RideChannel(rideID types.ID) string { return "ride:" + string(rideID) }

func DriverChannel(driverID types.ID) string { return "driver:" + string(driverID) }

func QueueChannel(locationID types.ID) string { return "location:" + string(locationID) + ":queue" }

type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Message is the envelope written to every transport.
type Message struct {
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

type RedisPublisher struct {
	redis *redis.Client
}

func NewRedisPublisher(redis *redis.Client) *RedisPublisher {
	return &RedisPublisher{redis: redis}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := json.Marshal(Message{Channel: channel, Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, channel, b).Err()
}

// FirebasePublisher appends events under realtime/<channel> in the Realtime Database,
// where mobile clients listen for child additions.
type FirebasePublisher struct {
	client *db.Client
}

func NewFirebasePublisher(client *db.Client) *FirebasePublisher {
	return &FirebasePublisher{client: client}
}

func (p *FirebasePublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	msg := Message{Channel: channel, Event: event, Payload: payload, SentAt: time.Now().UTC()}
	_, err := p.client.NewRef("realtime/"+channel).Push(ctx, msg)
	return err
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel, event string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }

// Logged wraps a publisher so failures are logged instead of returned. Publishing is
// best effort once the state change it reports has been committed.
type Logged struct {
	next Publisher
	log  *zap.Logger
}

func NewLogged(next Publisher, log *zap.Logger) *Logged {
	if next == nil {
		next = Nop{}
	}
	return &Logged{next: next, log: logger.OrNop(log)}
}

func (l *Logged) Publish(ctx context.Context, channel, event string, payload any) error {
	if err := l.next.Publish(ctx, channel, event, payload); err != nil {
		l.log.Warn("realtime publish failed", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
	}
	return nil
}
