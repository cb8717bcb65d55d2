package bufferpool

import (
	"log/slog"

	"github.com/tuannm99/smilebuf/internal/storage"
)

// maybePrefetch submits one task to the executor that warms pid+1 ..
// pid+prefetchingDegree, when the caller opted into prefetching and
// prefetching is configured. One task handles the whole run rather than
// one task per page.
func (p *Pool) maybePrefetch(pid storage.PageId, enablePrefetch bool) {
	if !enablePrefetch || p.cfg.PrefetchingDegree <= 0 || p.executor == nil {
		return
	}

	threadID := p.nextPrefetchThread()
	p.executor.Submit(threadID, func() {
		p.runPrefetch(pid)
	})
}

func (p *Pool) nextPrefetchThread() int {
	n := p.executor.NumThreads()
	if n <= 0 {
		return 0
	}
	t := p.currentThread.Add(1)
	return int(t % uint64(n))
}

// runPrefetch pins pid+i for i in [1, prefetchingDegree], stopping once
// the target page id would run off the end of the file. Each pin is
// made with enablePrefetch=false, so it warms the frame into cache
// without taking a real reference on it.
func (p *Pool) runPrefetch(pid storage.PageId) {
	size := p.storage.Size()
	for i := 1; i <= p.cfg.PrefetchingDegree; i++ {
		next := storage.PageId(uint64(pid) + uint64(i))
		if uint64(next) >= size {
			break
		}
		if _, err := p.Pin(next, false); err != nil {
			slog.Debug(logPrefix+"prefetch pin failed", "pageId", next, "err", err)
		}
	}
}
