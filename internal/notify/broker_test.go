package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBrokerFiltersByEntityAndProduct(t *testing.T) {
	b := NewBroker(8, nil)
	defer b.Close()
	var c collector
	sub, err := b.Subscribe(EntityInventoryRecord, Filter{ProductID: "p1"}, c.handle)
	require.NoError(t, err)

	b.Publish(Event{Entity: EntityInventoryRecord, Operation: OperationInsert, ProductID: "p1", Key: "p1/w1/l1"})
	b.Publish(Event{Entity: EntityInventoryRecord, Operation: OperationInsert, ProductID: "p2"})
	b.Publish(Event{Entity: EntityStockMovement, Operation: OperationInsert, ProductID: "p1"})
	b.Unsubscribe(sub)
	<-sub.Done()

	events := c.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "p1/w1/l1", events[0].Key)
	require.NotZero(t, events[0].Seq)
	require.False(t, events[0].At.IsZero())
}

func TestFilterWarehouse(t *testing.T) {
	f := Filter{WarehouseID: "w2"}
	require.True(t, f.Matches(Event{WarehouseIDs: []string{"w1", "w2"}}))
	require.False(t, f.Matches(Event{WarehouseIDs: []string{"w1"}}))
	require.True(t, f.Matches(Event{Operation: OperationResync}))
}

func TestBrokerPreservesOrder(t *testing.T) {
	b := NewBroker(1024, nil)
	defer b.Close()
	var c collector
	sub, err := b.Subscribe("", Filter{}, c.handle)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		b.Publish(Event{Entity: EntityInventoryRecord, Operation: OperationUpdate, Key: "k"})
	}
	b.Unsubscribe(sub)
	<-sub.Done()

	events := c.snapshot()
	require.Len(t, events, 500)
	for i := 1; i < len(events); i++ {
		require.Less(t, events[i-1].Seq, events[i].Seq)
	}
}

func TestSlowSubscriberGetsResync(t *testing.T) {
	b := NewBroker(2, nil)
	defer b.Close()
	var drops int
	b.OnDrop(func() { drops++ })

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	var c collector
	sub, err := b.Subscribe(EntityInventoryRecord, Filter{}, func(evt Event) {
		once.Do(func() { close(started) })
		<-release
		c.handle(evt)
	})
	require.NoError(t, err)

	b.Publish(Event{Entity: EntityInventoryRecord, Operation: OperationInsert, Key: "first"})
	<-started
	// buffer holds two, the rest overflow
	for i := 0; i < 5; i++ {
		b.Publish(Event{Entity: EntityInventoryRecord, Operation: OperationUpdate, Key: "burst"})
	}
	require.Equal(t, uint64(3), b.Dropped())
	require.Equal(t, 3, drops)

	close(release)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	b.Publish(Event{Entity: EntityInventoryRecord, Operation: OperationUpdate, Key: "after"})
	require.Eventually(t, func() bool { return len(c.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	b.Unsubscribe(sub)

	events := c.snapshot()
	require.Equal(t, OperationResync, events[3].Operation)
	require.Equal(t, "after", events[4].Key)
}

func TestPublishDoesNotBlock(t *testing.T) {
	b := NewBroker(1, nil)
	defer b.Close()
	block := make(chan struct{})
	defer close(block)
	_, err := b.Subscribe("", Filter{}, func(Event) { <-block })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Entity: EntityStockMovement, Operation: OperationInsert})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroker(1, nil)
	b.Close()
	_, err := b.Subscribe("", Filter{}, func(Event) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRedisRelayCrossInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() (*Broker, *RedisRelay) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		b := NewBroker(16, nil)
		t.Cleanup(b.Close)
		relay := NewRedisRelay(client, "stockledger:changes", 16, nil)
		require.NoError(t, relay.Attach(ctx, b))
		return b, relay
	}
	a, _ := newInstance()
	other, _ := newInstance()

	var fromA, fromOther collector
	_, err := a.Subscribe("", Filter{}, fromA.handle)
	require.NoError(t, err)
	_, err = other.Subscribe("", Filter{}, fromOther.handle)
	require.NoError(t, err)

	a.Publish(Event{Entity: EntityStockMovement, Operation: OperationInsert, Key: "m1", MovementID: "m1"})

	require.Eventually(t, func() bool { return len(fromOther.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "m1", fromOther.snapshot()[0].Key)
	require.NotEmpty(t, fromOther.snapshot()[0].Origin)

	// the publishing instance must not see its own event twice
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fromA.snapshot(), 1)
}
