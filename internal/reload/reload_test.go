package reload

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/logger"
)

type countingReloader struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (r *countingReloader) BroadcastReload(context.Context) error {
	r.calls.Add(1)
	if r.block != nil {
		<-r.block
	}
	return r.err
}

func config(id int64, updated time.Time) pluginconfig.Configuration {
	return pluginconfig.Configuration{ID: id, TeamID: 1, Name: "p", Enabled: true, UpdatedAt: updated}
}

func TestPollWatcherTriggersOnRevisionChange(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	src := pluginconfig.NewMemorySource(config(1, base), config(2, base))
	target := &countingReloader{}
	w := NewPollWatcher(src, time.Hour, target)
	ctx := context.Background()

	assert.False(t, w.Check(ctx), "first check only records the baseline")
	assert.False(t, w.Check(ctx))
	assert.Equal(t, int32(0), target.calls.Load())

	src.Update(1, func(c *pluginconfig.Configuration) { c.Config = map[string]any{"k": "v"} })
	assert.True(t, w.Check(ctx))
	assert.Equal(t, int32(1), target.calls.Load())

	src.Update(2, func(c *pluginconfig.Configuration) { c.Enabled = false })
	assert.True(t, w.Check(ctx))

	src.Delete(1)
	assert.True(t, w.Check(ctx))
	assert.False(t, w.Check(ctx))
	assert.Equal(t, int32(3), target.calls.Load())
}

func TestPollWatcherIgnoresSourceErrors(t *testing.T) {
	fail := atomic.Bool{}
	src := pluginconfig.SourceFunc(func(context.Context) ([]pluginconfig.Configuration, error) {
		if fail.Load() {
			return nil, errors.New("mysql down")
		}
		return []pluginconfig.Configuration{config(1, time.Unix(1, 0))}, nil
	})
	target := &countingReloader{}
	w := NewPollWatcher(src, time.Hour, target)

	assert.False(t, w.Check(context.Background()))
	fail.Store(true)
	assert.False(t, w.Check(context.Background()))
	fail.Store(false)
	assert.False(t, w.Check(context.Background()))
	assert.Equal(t, int32(0), target.calls.Load())
}

func TestPollWatcherRunStopsWithContext(t *testing.T) {
	src := pluginconfig.NewMemorySource(config(1, time.Unix(1, 0)))
	target := &countingReloader{}
	w := NewPollWatcher(src, 10*time.Millisecond, target)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	src.Update(1, func(c *pluginconfig.Configuration) { c.Order = 2 })
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPubSubWatcherReloadsOnNotification(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	target := &countingReloader{}
	w := NewPubSubWatcher(client, "", target)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := Notify(ctx, client, DefaultChannel)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTriggerCoalescesConcurrentNotifications(t *testing.T) {
	target := &countingReloader{block: make(chan struct{})}
	tr := &trigger{target: target, log: discardLogger()}
	ctx := context.Background()

	finished := make(chan struct{})
	go func() {
		tr.fire(ctx, "first")
		close(finished)
	}()
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, time.Millisecond)

	for n := 0; n < 5; n++ {
		tr.fire(ctx, "burst")
	}
	target.block <- struct{}{}
	target.block <- struct{}{}
	<-finished
	assert.Equal(t, int32(2), target.calls.Load())
}

func discardLogger() *slog.Logger { return logger.Discard() }
