package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakePipe struct {
	redis.Pipeliner
	xadds   []*redis.XAddArgs
	hsets   map[string][]interface{}
	publish map[string][]interface{}
	expires map[string]time.Duration
	execErr error
	execs   int
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		hsets:   make(map[string][]interface{}),
		publish: make(map[string][]interface{}),
		expires: make(map[string]time.Duration),
	}
}

func (p *fakePipe) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	p.xadds = append(p.xadds, a)
	return redis.NewStringCmd(ctx)
}

func (p *fakePipe) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	p.hsets[key] = append(p.hsets[key], values...)
	return redis.NewIntCmd(ctx)
}

func (p *fakePipe) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.publish[channel] = append(p.publish[channel], message)
	return redis.NewIntCmd(ctx)
}

func (p *fakePipe) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	p.expires[key] = expiration
	return redis.NewBoolCmd(ctx)
}

func (p *fakePipe) Exec(ctx context.Context) ([]redis.Cmder, error) {
	p.execs++
	return nil, p.execErr
}

type fakeRedis struct {
	redis.Cmdable
	pipe *fakePipe
}

func (f *fakeRedis) Pipeline() redis.Pipeliner { return f.pipe }

func newTestRedisSink() (*RedisSink, *fakePipe) {
	pipe := newFakePipe()
	s := NewRedisSink(&fakeRedis{pipe: pipe}, RedisConfig{
		StreamPrefix:  "captions:",
		ChannelPrefix: "captions:live:",
		MaxLen:        100,
		TTL:           time.Hour,
	})
	return s, pipe
}

// hashField returns the value following field in an HSET argument list.
func hashField(values []interface{}, field string) interface{} {
	for i := 0; i+1 < len(values); i += 2 {
		if values[i] == field {
			return values[i+1]
		}
	}
	return nil
}

func TestRedisSinkSessionLifecycle(t *testing.T) {
	s, pipe := newTestRedisSink()
	ctx := context.Background()
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	meta := "captions:" + id.String() + ":meta"

	if err := s.Start(ctx, SessionInfo{ID: id, Source: "audiosocket", SampleRate: 8000, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if hashField(pipe.hsets[meta], "status") != "running" {
		t.Errorf("Expected running status, got %v", pipe.hsets[meta])
	}
	if pipe.expires[meta] != time.Hour {
		t.Errorf("Expected meta TTL, got %v", pipe.expires[meta])
	}

	if err := s.End(ctx, SessionEnd{ID: id, Reason: "hangup", Transcript: "hello", AudioSeconds: 1.5}); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if hashField(pipe.hsets[meta][8:], "status") != "completed" {
		t.Errorf("Expected completed status, got %v", pipe.hsets[meta])
	}
	if hashField(pipe.hsets[meta][8:], "audio_seconds") != "1.500" {
		t.Errorf("Expected audio seconds recorded, got %v", pipe.hsets[meta])
	}
	if len(pipe.publish["captions:live:"+id.String()]) != 1 {
		t.Error("Expected an end notification on the live channel")
	}
}

func TestRedisSinkPublish(t *testing.T) {
	s, pipe := newTestRedisSink()
	id := uuid.New()
	c := Caption{SessionID: id, Seq: 3, Start: 1.25, End: 2, Text: "hello there", Final: true}

	if err := s.Publish(context.Background(), c); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(pipe.xadds) != 1 {
		t.Fatalf("Expected one XADD, got %d", len(pipe.xadds))
	}
	add := pipe.xadds[0]
	if add.Stream != "captions:"+id.String() || add.MaxLen != 100 || !add.Approx {
		t.Errorf("Unexpected XADD args: %+v", add)
	}
	fields := add.Values.(map[string]interface{})
	if fields["text"] != "hello there" || fields["final"] != "1" || fields["start"] != "1.250" {
		t.Errorf("Unexpected stream fields: %v", fields)
	}

	msgs := pipe.publish["captions:live:"+id.String()]
	if len(msgs) != 1 {
		t.Fatalf("Expected one live message, got %d", len(msgs))
	}
	var decoded Caption
	if err := json.Unmarshal(msgs[0].([]byte), &decoded); err != nil {
		t.Fatalf("Live message is not a caption: %v", err)
	}
	if decoded.Seq != 3 || decoded.Text != "hello there" {
		t.Errorf("Unexpected live payload: %+v", decoded)
	}
}

func TestRedisSinkExecError(t *testing.T) {
	s, pipe := newTestRedisSink()
	pipe.execErr = errors.New("READONLY")

	if err := s.Publish(context.Background(), Caption{SessionID: uuid.New()}); err == nil {
		t.Error("Expected pipeline error")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close without a client closer should succeed, got %v", err)
	}
}
