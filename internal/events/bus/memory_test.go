package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
)

// collector gathers delivered events behind a mutex; memory bus deliveries
// are asynchronous.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(ctx context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	var c collector
	_, err := bus.Subscribe("herdctl.job.reviewer.job-1", c.handler)
	require.NoError(t, err)

	event := NewEvent(JobStarted, "reviewer", "job-1", nil)
	require.NoError(t, bus.Publish(context.Background(), JobSubject("reviewer", "job-1"), event))

	waitFor(t, func() bool { return c.count() == 1 })
}

func TestMemoryBusWildcards(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	var star, arrow, other collector
	_, err := bus.Subscribe("herdctl.job.reviewer.*", star.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("herdctl.job.>", arrow.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("herdctl.job.builder.*", other.handler)
	require.NoError(t, err)

	event := NewEvent(JobMessage, "reviewer", "job-1", nil)
	require.NoError(t, bus.Publish(context.Background(), JobSubject("reviewer", "job-1"), event))

	waitFor(t, func() bool { return star.count() == 1 && arrow.count() == 1 })
	require.Zero(t, other.count())

	// "*" matches exactly one token, so a deeper subject only reaches ">".
	require.NoError(t, bus.Publish(context.Background(), "herdctl.job.reviewer.job-1.extra", event))
	waitFor(t, func() bool { return arrow.count() == 2 })
	require.Equal(t, 1, star.count())
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	var a, b collector
	_, err := bus.QueueSubscribe("herdctl.job.>", "workers", a.handler)
	require.NoError(t, err)
	_, err = bus.QueueSubscribe("herdctl.job.>", "workers", b.handler)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		event := NewEvent(JobCompleted, "reviewer", "job-1", nil)
		require.NoError(t, bus.Publish(context.Background(), JobSubject("reviewer", "job-1"), event))
	}

	// Four events split round-robin across the group: each member gets two,
	// never duplicated.
	waitFor(t, func() bool { return a.count()+b.count() == 4 })
	require.Equal(t, 2, a.count())
	require.Equal(t, 2, b.count())
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	var c collector
	sub, err := bus.Subscribe("herdctl.job.>", c.handler)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	event := NewEvent(JobStarted, "reviewer", "job-1", nil)
	require.NoError(t, bus.Publish(context.Background(), JobSubject("reviewer", "job-1"), event))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, c.count())
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	require.True(t, bus.IsConnected())

	bus.Close()
	require.False(t, bus.IsConnected())

	err := bus.Publish(context.Background(), "herdctl.job.a.b", NewEvent(JobStarted, "a", "b", nil))
	require.Error(t, err)

	_, err = bus.Subscribe("herdctl.job.>", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestNewSelectsMemoryBusWithoutURL(t *testing.T) {
	b, err := New(config.NATSConfig{}, logger.Default())
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*MemoryEventBus)
	require.True(t, ok)
}

func TestJobSubject(t *testing.T) {
	require.Equal(t, "herdctl.job.reviewer.job-1", JobSubject("reviewer", "job-1"))
}
