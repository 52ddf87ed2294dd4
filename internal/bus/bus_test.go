package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan877/sre-sentinel/internal/metrics"
)

type testEvent struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
}

func recvOne(t *testing.T, sub *Subscription) testEvent {
	t.Helper()
	select {
	case raw, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		var ev testEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return testEvent{}
	}
}

func TestPublishCountsEveryEnvelopeType(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	logBefore := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("log"))
	updateBefore := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("container_update"))

	b.Publish(context.Background(), testEvent{Type: "log", Seq: 0})
	b.Publish(context.Background(), testEvent{Type: "log", Seq: 1})
	b.Publish(context.Background(), testEvent{Type: "container_update", Seq: 2})

	assert.Equal(t, logBefore+2,
		testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("log")))
	assert.Equal(t, updateBefore+1,
		testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("container_update")))
}

func TestMemoryDeliversInOrder(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), testEvent{Type: "log", Seq: i})
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, recvOne(t, sub).Seq)
	}
}

func TestMemoryPreAttachedOnly(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	b.Publish(context.Background(), testEvent{Type: "log", Seq: 0})

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	b.Publish(context.Background(), testEvent{Type: "log", Seq: 1})

	// Only the post-subscribe event arrives.
	assert.Equal(t, 1, recvOne(t, sub).Seq)
	select {
	case raw := <-sub.Events():
		t.Fatalf("unexpected extra event: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryOverflowDropsOldestPerSubscriber(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	slow, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer slow.Close()

	total := subscriberQueueSize + 10
	for i := 0; i < total; i++ {
		b.Publish(context.Background(), testEvent{Type: "log", Seq: i})
	}

	// The first events were dropped; what's left starts at the overflow
	// point and is still in order.
	first := recvOne(t, slow)
	assert.Equal(t, total-subscriberQueueSize, first.Seq)
	next := recvOne(t, slow)
	assert.Equal(t, first.Seq+1, next.Seq)
}

func TestMemoryOverflowDoesNotAffectOtherSubscribers(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	slow, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer slow.Close()

	fast, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer fast.Close()

	done := make(chan struct{})
	var got []int
	go func() {
		defer close(done)
		for raw := range fast.Events() {
			var ev testEvent
			if json.Unmarshal(raw, &ev) == nil {
				got = append(got, ev.Seq)
			}
			if len(got) == subscriberQueueSize+10 {
				return
			}
		}
	}()

	for i := 0; i < subscriberQueueSize+10; i++ {
		b.Publish(context.Background(), testEvent{Type: "log", Seq: i})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fast subscriber did not drain")
	}
	require.Len(t, got, subscriberQueueSize+10)
	for i, seq := range got {
		assert.Equal(t, i, seq)
	}
}

func TestMemoryHistoryNewestFirstCapped(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	for i := 0; i < MaxHistorySize+50; i++ {
		b.Publish(context.Background(), testEvent{Type: "log", Seq: i})
	}

	history, err := b.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, MaxHistorySize)

	var newest testEvent
	require.NoError(t, json.Unmarshal(history[0], &newest))
	assert.Equal(t, MaxHistorySize+49, newest.Seq)

	limited, err := b.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, limited, 10)
}

func TestMemoryCloseTerminatesSubscribers(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed")

	_, err = b.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)
}

func newRedisBus(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b, err := NewRedis(context.Background(), client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestRedisPublishDelivers(t *testing.T) {
	b, _ := newRedisBus(t)

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	b.Publish(context.Background(), testEvent{Type: "incident", Seq: 7})
	assert.Equal(t, 7, recvOne(t, sub).Seq)
}

func TestRedisHistoryPersistsNewestFirst(t *testing.T) {
	b, mr := newRedisBus(t)

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), testEvent{Type: "log", Seq: i})
	}

	history, err := b.History(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, history, 3)

	var newest testEvent
	require.NoError(t, json.Unmarshal(history[0], &newest))
	assert.Equal(t, 4, newest.Seq)

	// The list is capped in Redis itself.
	entries, err := mr.List(EventHistoryKey)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestRedisHistoryCap(t *testing.T) {
	b, mr := newRedisBus(t)

	for i := 0; i < MaxHistorySize+20; i++ {
		b.Publish(context.Background(), testEvent{Type: "log", Seq: i})
	}

	entries, err := mr.List(EventHistoryKey)
	require.NoError(t, err)
	assert.Len(t, entries, MaxHistorySize)

	history, err := b.History(context.Background(), MaxHistorySize)
	require.NoError(t, err)
	require.Len(t, history, MaxHistorySize)
	var newest testEvent
	require.NoError(t, json.Unmarshal(history[0], &newest))
	assert.Equal(t, MaxHistorySize+19, newest.Seq)
}

func TestRedisCloseTerminates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b, err := NewRedis(context.Background(), client, zerolog.Nop())
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestRedisConnectFailureFailsFast(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	_, err := NewRedis(context.Background(), client, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := NewMemory(zerolog.Nop())
	defer b.Close()

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	// Publishing after a subscriber closed must not panic.
	b.Publish(context.Background(), testEvent{Type: "log"})
}
