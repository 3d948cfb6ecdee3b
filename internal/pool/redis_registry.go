package pool

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry publishes node-source events on a per-source channel, keeps a
// capped event log and mirrors each source's down nodes in a set.
type RedisRegistry struct {
	client     redis.Cmdable
	prefix     string
	historyLen int64
}

func NewRedisRegistry(client redis.Cmdable, prefix string) *RedisRegistry {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "nodepool"
	}
	return &RedisRegistry{
		client:     client,
		prefix:     normalized,
		historyLen: defaultRegistryCapacity,
	}
}

func (r *RedisRegistry) OnNodeSourceEvent(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.SourceID) == "" {
		return errors.New("source_id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal node source event")
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.sourcesKey(), event.SourceID)
		pipe.LPush(ctx, r.eventsKey(event.SourceID), payload)
		pipe.LTrim(ctx, r.eventsKey(event.SourceID), 0, r.historyLen-1)
		if event.Type == EventNodeRemoved && event.NodeURL != "" {
			pipe.SRem(ctx, r.downKey(event.SourceID), event.NodeURL)
		}
		pipe.Publish(ctx, r.ChannelName(event.SourceID), payload)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s event for source %s", event.Type, event.SourceID)
	}
	return nil
}

func (r *RedisRegistry) OnDownNode(ctx context.Context, sourceID, url string) error {
	if strings.TrimSpace(sourceID) == "" {
		return errors.New("source_id is required")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("url is required")
	}
	if err := r.client.SAdd(ctx, r.downKey(sourceID), url).Err(); err != nil {
		return errors.Wrapf(err, "record down node %s", url)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, sourceID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.downKey(sourceID))
		pipe.SRem(ctx, r.sourcesKey(), sourceID)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "unregister source %s", sourceID)
	}
	return nil
}

func (r *RedisRegistry) DownNodes(ctx context.Context, sourceID string) ([]string, error) {
	urls, err := r.client.SMembers(ctx, r.downKey(sourceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "list down nodes")
	}
	return urls, nil
}

// RecentEvents returns up to limit events for sourceID, newest first.
func (r *RedisRegistry) RecentEvents(ctx context.Context, sourceID string, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = r.historyLen
	}
	raw, err := r.client.LRange(ctx, r.eventsKey(sourceID), 0, limit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "list events")
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *RedisRegistry) ChannelName(sourceID string) string {
	return r.prefix + ":events:" + sourceID
}

func (r *RedisRegistry) sourcesKey() string {
	return r.prefix + ":sources"
}

func (r *RedisRegistry) eventsKey(sourceID string) string {
	return r.prefix + ":log:" + sourceID
}

func (r *RedisRegistry) downKey(sourceID string) string {
	return r.prefix + ":down:" + sourceID
}
