// Package notify holds the relay hub sinks that mirror events outside the
// process.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

const (
	DefaultStream = "citypulse:relay-events"
	streamMaxLen  = 1024
)

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink appends every relay event to a Redis stream.
type RedisSink struct {
	client streamClient
	stream string
	log    *logrus.Entry
}

// NewRedisSink connects to url and checks the connection.
func NewRedisSink(url, stream string) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisSink(client, stream), nil
}

func newRedisSink(client streamClient, stream string) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, log: logging.For("redis")}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, ev relay.Event) error {
	values, err := streamValues(ev)
	if err != nil {
		return err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	s.log.WithFields(logging.Fields{"type": ev.Type, "entry": id}).Debug("event mirrored")
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func streamValues(ev relay.Event) (map[string]interface{}, error) {
	values := map[string]interface{}{"type": string(ev.Type)}
	if ev.Type == relay.EventSnapshot {
		data, err := json.Marshal(ev.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		values["count"] = strconv.Itoa(len(ev.Snapshot))
		values["packets"] = string(data)
		return values, nil
	}

	p := ev.Packet
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	values["id"] = p.ID
	values["origin"] = p.Origin
	values["status"] = string(p.Status)
	values["urgency"] = string(p.Urgency)
	values["packet"] = string(data)
	return values, nil
}
