package executor

import (
	"log/slog"

	"github.com/sourcegraph/conc"
)

const logPrefix = "executor: "

// laneBuffer is how many pending prefetch tasks a single lane will
// buffer before Submit starts blocking the caller.
const laneBuffer = 64

// ConcExecutor is an Executor backed by github.com/sourcegraph/conc: one
// goroutine "lane" per thread id, each drained by a conc.WaitGroup so a
// panicking prefetch task surfaces through Close/Wait instead of
// silently killing a goroutine.
type ConcExecutor struct {
	lanes []chan func()
	wg    conc.WaitGroup
}

// NewConcExecutor starts numThreads lanes. numThreads must be > 0.
func NewConcExecutor(numThreads int) *ConcExecutor {
	if numThreads <= 0 {
		numThreads = 1
	}

	e := &ConcExecutor{
		lanes: make([]chan func(), numThreads),
	}

	for i := range e.lanes {
		lane := make(chan func(), laneBuffer)
		e.lanes[i] = lane
		e.wg.Go(func() {
			for task := range lane {
				task()
			}
		})
	}

	slog.Debug(logPrefix+"started", "numThreads", numThreads)
	return e
}

func (e *ConcExecutor) NumThreads() int {
	return len(e.lanes)
}

func (e *ConcExecutor) Submit(threadID int, task func()) {
	if threadID < 0 || threadID >= len(e.lanes) {
		slog.Error(logPrefix+"submit to out-of-range thread id", "threadID", threadID, "numThreads", len(e.lanes))
		return
	}
	e.lanes[threadID] <- task
}

// Close drains and stops every lane, then waits for in-flight tasks to
// finish. It re-panics if any task panicked, via conc.WaitGroup.
func (e *ConcExecutor) Close() {
	for _, lane := range e.lanes {
		close(lane)
	}
	e.wg.Wait()
}
