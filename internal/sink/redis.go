package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig names the keys a RedisSink writes.
type RedisConfig struct {
	StreamPrefix  string
	ChannelPrefix string
	MaxLen        int64
	TTL           time.Duration
}

// RedisSink appends captions to a per-session stream for late readers and
// publishes them on a per-session channel for live viewers. Session
// metadata lives in a hash next to the stream.
type RedisSink struct {
	client redis.Cmdable
	closer interface{ Close() error }
	cfg    RedisConfig
}

// NewRedisSink wraps client. If client also has a Close method, Close
// releases it.
func NewRedisSink(client redis.Cmdable, cfg RedisConfig) *RedisSink {
	s := &RedisSink{client: client, cfg: cfg}
	if c, ok := client.(interface{ Close() error }); ok {
		s.closer = c
	}
	return s
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) streamKey(id string) string  { return s.cfg.StreamPrefix + id }
func (s *RedisSink) metaKey(id string) string    { return s.cfg.StreamPrefix + id + ":meta" }
func (s *RedisSink) channelKey(id string) string { return s.cfg.ChannelPrefix + id }

func (s *RedisSink) Start(ctx context.Context, info SessionInfo) error {
	id := info.ID.String()
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.metaKey(id),
		"status", "running",
		"source", info.Source,
		"sample_rate", info.SampleRate,
		"started_at", info.StartedAt.Format(time.RFC3339Nano),
	)
	if s.cfg.TTL > 0 {
		pipe.Expire(ctx, s.metaKey(id), s.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis HSET %s: %w", s.metaKey(id), err)
	}
	return nil
}

func (s *RedisSink) Publish(ctx context.Context, c Caption) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode caption: %w", err)
	}

	id := c.SessionID.String()
	pipe := s.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(id),
		MaxLen: s.cfg.MaxLen,
		Approx: s.cfg.MaxLen > 0,
		Values: captionFields(c),
	})
	if s.cfg.TTL > 0 {
		pipe.Expire(ctx, s.streamKey(id), s.cfg.TTL)
	}
	pipe.Publish(ctx, s.channelKey(id), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis XADD %s: %w", s.streamKey(id), err)
	}
	return nil
}

func (s *RedisSink) End(ctx context.Context, end SessionEnd) error {
	id := end.ID.String()
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.metaKey(id),
		"status", "completed",
		"reason", end.Reason,
		"ended_at", end.EndedAt.Format(time.RFC3339Nano),
		"audio_seconds", strconv.FormatFloat(end.AudioSeconds, 'f', 3, 64),
		"transcript", end.Transcript,
	)
	pipe.Publish(ctx, s.channelKey(id), `{"type":"end"}`)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis HSET %s: %w", s.metaKey(id), err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func captionFields(c Caption) map[string]interface{} {
	final := "0"
	if c.Final {
		final = "1"
	}
	return map[string]interface{}{
		"seq":   c.Seq,
		"start": strconv.FormatFloat(c.Start, 'f', 3, 64),
		"end":   strconv.FormatFloat(c.End, 'f', 3, 64),
		"text":  c.Text,
		"final": final,
	}
}
