package executor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConcExecutor_RunsOnNamedLane(t *testing.T) {
	e := NewConcExecutor(4)
	require.Equal(t, 4, e.NumThreads())

	var ran int32
	done := make(chan struct{})
	e.Submit(2, func() {
		atomic.AddInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
	e.Close()
}

func TestConcExecutor_OutOfRangeThreadIsDropped(t *testing.T) {
	e := NewConcExecutor(2)
	require.NotPanics(t, func() {
		e.Submit(99, func() { t.Fatal("should never run") })
	})
	e.Close()
}

func TestConcExecutor_OrdersWithinALane(t *testing.T) {
	e := NewConcExecutor(1)
	var order []int
	results := make(chan []int, 1)

	for i := 0; i < 5; i++ {
		i := i
		e.Submit(0, func() { order = append(order, i) })
	}
	e.Submit(0, func() { results <- order })

	select {
	case got := <-results:
		require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete")
	}
	e.Close()
}
