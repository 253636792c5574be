package eventbus_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"

	"contentfleet/pkg/eventbus"
	"contentfleet/pkg/eventbus/eventbustest"
	"contentfleet/pkg/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBus(t *testing.T, broker *eventbustest.Broker, tweak ...func(*eventbus.Options)) *eventbus.Bus {
	opts := eventbus.Options{
		Exchange:        "facebook-events",
		ConnectAttempts: 3,
		ConnectBackoff:  time.Millisecond,
		Prefetch:        8,
		MaxInFlight:     4,
		Name:            "test",
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	bus := eventbus.New(broker.Dial, opts, discard)
	t.Cleanup(func() { bus.Close() })
	return bus
}

// collector records the payloads it receives.
type collector struct {
	mu     sync.Mutex
	bodies []string
}

func (c *collector) handle(_ context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, string(body))
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestFanOutToEverySubscriber(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	publisher := newBus(t, broker)
	search, media := newBus(t, broker), newBus(t, broker)

	var fromSearch, fromMedia collector
	require.NoError(t, search.Subscribe(ctx, model.RoutingKeyPostDeleted, fromSearch.handle))
	require.NoError(t, media.Subscribe(ctx, model.RoutingKeyPostDeleted, fromMedia.handle))

	event := model.PostDeletedEvent{PostID: "p1", UserID: "u1", MediaIDs: []string{"m1"}}
	require.NoError(t, publisher.Publish(ctx, model.RoutingKeyPostDeleted, event))

	assert.Eventually(t, func() bool { return fromSearch.count() == 1 && fromMedia.count() == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"postId":"p1","userId":"u1","mediaIds":["m1"]}`, fromSearch.bodies[0])
	assert.Eventually(t, func() bool { return broker.Acks() == 2 }, waitFor, tick)
	assert.Equal(t, 0, broker.Nacks())
}

func TestRoutingKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	var created collector
	require.NoError(t, bus.Subscribe(ctx, model.RoutingKeyPostCreated, created.handle))
	require.NoError(t, bus.Publish(ctx, model.RoutingKeyPostDeleted, model.PostDeletedEvent{PostID: "p1"}))
	require.NoError(t, bus.Publish(ctx, model.RoutingKeyPostCreated, model.PostCreatedEvent{PostID: "p2"}))

	assert.Eventually(t, func() bool { return created.count() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return created.count() > 1 }, 50*time.Millisecond, tick)
}

func TestFailingHandlerDropsMessage(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, "post.created", func(_ context.Context, body []byte) error {
		calls.Add(1)
		if string(body) == `"bad"` {
			return errors.New("store unavailable")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, "post.created", "bad"))
	require.NoError(t, bus.Publish(ctx, "post.created", "good"))

	assert.Eventually(t, func() bool { return broker.Nacks() == 1 && broker.Acks() == 1 }, waitFor, tick)
	assert.EqualValues(t, 2, calls.Load(), "dropped messages are not redelivered")
}

func TestPanickingHandlerDoesNotStopSubscription(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	var after collector
	require.NoError(t, bus.Subscribe(ctx, "post.deleted", func(ctx context.Context, body []byte) error {
		if string(body) == `"boom"` {
			panic("nil map")
		}
		return after.handle(ctx, body)
	}))

	require.NoError(t, bus.Publish(ctx, "post.deleted", "boom"))
	require.NoError(t, bus.Publish(ctx, "post.deleted", "next"))

	assert.Eventually(t, func() bool { return after.count() == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return broker.Nacks() == 1 && broker.Acks() == 1 }, waitFor, tick)
}

func TestJSONHandler(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	got := make(chan model.PostCreatedEvent, 1)
	require.NoError(t, bus.Subscribe(ctx, model.RoutingKeyPostCreated, eventbus.JSON(func(_ context.Context, e model.PostCreatedEvent) error {
		got <- e
		return nil
	})))

	require.NoError(t, broker.Publish("facebook-events", model.RoutingKeyPostCreated, []byte(`{not json`)))
	require.NoError(t, bus.Publish(ctx, model.RoutingKeyPostCreated, model.PostCreatedEvent{PostID: "p1", UserID: "u1", Content: "hello"}))

	select {
	case e := <-got:
		assert.Equal(t, "p1", e.PostID)
		assert.Equal(t, "hello", e.Content)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Eventually(t, func() bool { return broker.Nacks() == 1 }, waitFor, tick, "undecodable payload is dropped")
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	release := make(chan struct{})
	var fastDone atomic.Bool
	require.NoError(t, bus.Subscribe(ctx, "post.created", func(_ context.Context, body []byte) error {
		if string(body) == `"slow"` {
			<-release
			return nil
		}
		fastDone.Store(true)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, "post.created", "slow"))
	require.NoError(t, bus.Publish(ctx, "post.created", "fast"))

	assert.Eventually(t, fastDone.Load, waitFor, tick)
	close(release)
	assert.Eventually(t, func() bool { return broker.Acks() == 2 }, waitFor, tick)
}

func TestConnectRetries(t *testing.T) {
	broker := eventbustest.NewBroker()
	broker.FailNextDials(2)
	bus := newBus(t, broker)

	require.NoError(t, bus.Connect(context.Background()))
	assert.Equal(t, 3, broker.Dials())
}

func TestConnectGivesUp(t *testing.T) {
	broker := eventbustest.NewBroker()
	broker.FailNextDials(10)
	bus := newBus(t, broker, func(o *eventbus.Options) { o.ConnectAttempts = 2 })

	err := bus.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsTransport(err))
	assert.ErrorIs(t, err, eventbustest.ErrDialRefused)
	assert.Equal(t, 2, broker.Dials())
}

func TestConcurrentFirstPublishOpensOneConnection(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.Publish(ctx, "post.created", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, broker.Dials())
	assert.Equal(t, 1, broker.Connections())
}

func TestPublishFailureReconnects(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)
	require.NoError(t, bus.Connect(ctx))

	broker.FailPublishes(errors.New("channel/connection is not open"))
	err := bus.Publish(ctx, "post.created", "x")
	require.Error(t, err)
	assert.True(t, model.IsTransport(err))

	broker.FailPublishes(nil)
	require.NoError(t, bus.Publish(ctx, "post.created", "x"))
	assert.Equal(t, 2, broker.Dials())
}

func TestResubscribeAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	var got collector
	require.NoError(t, bus.Subscribe(ctx, "post.deleted", got.handle))
	require.Equal(t, 1, broker.Bindings("post.deleted"))

	broker.Disconnect()
	assert.Eventually(t, func() bool { return broker.Bindings("post.deleted") == 1 && broker.Dials() == 2 }, waitFor, tick)

	require.NoError(t, broker.Publish("facebook-events", "post.deleted", []byte(`{"postId":"p1"}`)))
	assert.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
}

func TestCloseWaitsForInFlightHandlers(t *testing.T) {
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := eventbus.New(broker.Dial, eventbus.Options{Exchange: "facebook-events", MaxInFlight: 2}, discard)

	started := make(chan struct{})
	var done atomic.Bool
	require.NoError(t, bus.Subscribe(ctx, "post.deleted", func(context.Context, []byte) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	}))
	require.NoError(t, bus.Publish(ctx, "post.deleted", "p1"))

	<-started
	require.NoError(t, bus.Close())
	assert.True(t, done.Load())
	assert.Equal(t, 1, broker.Acks())
	assert.ErrorIs(t, bus.Publish(ctx, "post.deleted", "p2"), eventbus.ErrClosed)
}

func TestTraceContextTravelsInHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	ctx := context.Background()
	broker := eventbustest.NewBroker()
	bus := newBus(t, broker)

	traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	parent := oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
	}))

	seen := make(chan oteltrace.TraceID, 1)
	require.NoError(t, bus.Subscribe(ctx, "post.created", func(ctx context.Context, _ []byte) error {
		seen <- oteltrace.SpanContextFromContext(ctx).TraceID()
		return nil
	}))
	require.NoError(t, bus.Publish(parent, "post.created", "p1"))

	select {
	case got := <-seen:
		assert.Equal(t, traceID, got)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}
