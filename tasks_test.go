package abuse_guard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTaskRunner_RunsAndDrains(t *testing.T) {
	r := newTaskRunner(2, 10, time.Second, zap.NewNop())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		assert.True(t, r.submit("count", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	r.close()

	assert.Equal(t, int32(5), ran.Load())
	assert.False(t, r.submit("late", func(context.Context) error { return nil }))
	r.close()
}

func TestTaskRunner_DropsWhenFull(t *testing.T) {
	r := newTaskRunner(1, 1, time.Second, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, r.submit("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	assert.True(t, r.submit("queued", func(context.Context) error { return nil }))
	assert.False(t, r.submit("dropped", func(context.Context) error { return nil }))

	close(release)
	r.close()
}

func TestTaskRunner_SurvivesPanics(t *testing.T) {
	r := newTaskRunner(1, 4, time.Second, zap.NewNop())

	var ran atomic.Bool
	r.submit("panic", func(context.Context) error { panic("boom") })
	r.submit("after", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	r.close()

	assert.True(t, ran.Load())
}

func TestHealth_Transitions(t *testing.T) {
	h := newHealth()
	assert.Equal(t, Healthy, h.current())
	assert.Equal(t, "healthy", h.current().String())

	assert.False(t, h.succeed())
	assert.True(t, h.fail())
	assert.False(t, h.fail())
	assert.Equal(t, Degraded, h.current())
	assert.Len(t, h.degraded, 1)

	assert.True(t, h.succeed())
	assert.False(t, h.succeed())
	assert.Equal(t, Healthy, h.current())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 40*time.Second, retryAfter(39500*time.Millisecond, time.Minute))
	assert.Equal(t, time.Second, retryAfter(time.Millisecond, time.Minute))
	assert.Equal(t, time.Minute, retryAfter(0, time.Minute))
	assert.Equal(t, time.Minute, retryAfter(-2*time.Millisecond, time.Minute))
}

func TestMinuteBucket(t *testing.T) {
	base := time.Date(2024, time.June, 23, 10, 15, 0, 0, time.UTC)

	assert.Equal(t, minuteBucket(base), minuteBucket(base.Add(59*time.Second)))
	assert.Equal(t, minuteBucket(base)+1, minuteBucket(base.Add(time.Minute)))
	assert.Equal(t, base.UnixMilli()/60000, minuteBucket(base))
}
