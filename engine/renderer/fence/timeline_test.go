package fence

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
)

func newTestTimeline(initial uint64) (*Timeline, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewTimeline("test", initial, core.NewLogger(&buf, log.DebugLevel)), &buf
}

func TestSignalThenWait(t *testing.T) {
	tl, _ := newTestTimeline(0)

	tl.Signal(5)
	assert.True(t, tl.Wait(3, 0))
	assert.True(t, tl.Wait(5, 0))
	assert.False(t, tl.Wait(6, 0))

	tl.Signal(6)
	assert.True(t, tl.Wait(6, 0))
	assert.Equal(t, uint64(6), tl.CurrentValue())
}

func TestSignalIsMonotonic(t *testing.T) {
	tl, buf := newTestTimeline(10)

	tl.Signal(4)
	assert.Equal(t, uint64(10), tl.CurrentValue())
	assert.Contains(t, buf.String(), "ignoring signal 4")

	tl.Signal(10)
	assert.Equal(t, uint64(10), tl.CurrentValue())
}

func TestWaitTimesOut(t *testing.T) {
	tl, buf := newTestTimeline(1)

	start := time.Now()
	assert.False(t, tl.Wait(2, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Contains(t, buf.String(), "timed out")
}

func TestWaitWakesOnSignal(t *testing.T) {
	tl, _ := newTestTimeline(0)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tl.Wait(uint64(i+1), Infinite)
		}(i)
	}

	for v := uint64(1); v <= 4; v++ {
		time.Sleep(time.Millisecond)
		tl.Signal(v)
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r)
	}
}

func TestWaitContextCancel(t *testing.T) {
	tl, _ := newTestTimeline(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.WaitContext(ctx, 7) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WaitContext did not return after cancel")
	}

	tl.Signal(7)
	require.NoError(t, tl.WaitContext(context.Background(), 7))
}
