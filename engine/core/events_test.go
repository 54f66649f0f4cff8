package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	var calls []string

	first, second := "first", "second"
	handler := func(name string, handled bool) FnOnEvent {
		return func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
			calls = append(calls, name)
			assert.Equal(t, uint32(640), data.Data.U32[0])
			return handled
		}
	}
	assert.True(t, bus.Register(EVENT_CODE_RESIZED, first, handler(first, false)))
	assert.True(t, bus.Register(EVENT_CODE_RESIZED, second, handler(second, true)))
	assert.False(t, bus.Register(EVENT_CODE_RESIZED, first, handler(first, false)), "duplicate listener")

	var ctx EventContext
	ctx.Data.U32[0] = 640
	assert.True(t, bus.Fire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, []string{first, second}, calls)

	assert.True(t, bus.Unregister(EVENT_CODE_RESIZED, second))
	assert.False(t, bus.Unregister(EVENT_CODE_RESIZED, second))
	calls = nil
	assert.False(t, bus.Fire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, []string{first}, calls)

	assert.False(t, bus.Fire(EVENT_CODE_APPLICATION_QUIT, nil, EventContext{}))

	bus.Shutdown()
	calls = nil
	bus.Fire(EVENT_CODE_RESIZED, nil, ctx)
	assert.Empty(t, calls)
}

func TestFrameMetrics(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(0.010)
	}
	assert.InDelta(t, 10.0, m.FrameTime(), 1e-9)

	for i := 0; i < 100; i++ {
		m.Update(0.010)
	}
	assert.Greater(t, m.FPS(), 0.0)

	m.AddFenceStall(0.002)
	m.AddFenceStall(0.003)
	assert.InDelta(t, 5.0, m.FenceStallMS(), 1e-9)
}

func TestDebugNames(t *testing.T) {
	a, b := NewDebugName("buffer"), NewDebugName("buffer")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^buffer-[0-9a-f-]{36}$`, a)
	assert.Equal(t, "given", DebugNameOr("given", "buffer"))
}

func TestErrorTaxonomy(t *testing.T) {
	assert.ErrorIs(t, Exhausted("heap %d", 1), ErrResourceExhaustion)
	assert.ErrorIs(t, InvalidUsage("x"), ErrInvalidUsage)
	assert.ErrorIs(t, InvalidState("x"), ErrInvalidState)
	assert.ErrorIs(t, Mismatch("x"), ErrBackendMismatch)
	assert.ErrorIs(t, Stale("x"), ErrStaleHandle)
	assert.NotErrorIs(t, Stale("x"), ErrInvalidUsage)
}
