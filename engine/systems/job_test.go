package systems

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemRejectsBadArguments(t *testing.T) {
	_, err := NewJobSystem(0, 1, nil)
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = NewJobSystem(1, -1, nil)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestSingleWorkerRunsInOrder(t *testing.T) {
	js, err := NewJobSystem(1, 16, nil)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, js.Submit(JobTask{
			Name: "append",
			Run: func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		}))
	}
	js.Shutdown()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestFailureCallback(t *testing.T) {
	js, err := NewJobSystem(1, 1, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	var got error
	completed := false
	require.NoError(t, js.Submit(JobTask{
		Name:       "fails",
		Run:        func() error { return boom },
		OnComplete: func() { completed = true },
		OnFailure:  func(err error) { got = err },
	}))
	js.Shutdown()

	assert.ErrorIs(t, got, boom)
	assert.False(t, completed)
}

func TestSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(2, 0, nil)
	require.NoError(t, err)
	js.Shutdown()
	js.Shutdown()

	assert.ErrorIs(t, js.Submit(JobTask{Run: func() error { return nil }}), ErrJobSystemClosed)
}
