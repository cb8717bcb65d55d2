package bufferpool

import (
	"sync"

	"github.com/tuannm99/smilebuf/internal/storage"
)

// partition is one shard of the pool's metadata, selected by
// pageId mod numPartitions. Its lock guards all three collections below;
// a frame's residence (frameId mod numPartitions) never changes, so
// freeFrames only ever holds frame ids belonging to this partition.
type partition struct {
	mu sync.Mutex

	freePages   []storage.PageId
	freeFrames  []FrameId
	pageToFrame map[storage.PageId]FrameId
}

func newPartition() *partition {
	return &partition{pageToFrame: make(map[storage.PageId]FrameId)}
}

func (pt *partition) popFreePage() (storage.PageId, bool) {
	if len(pt.freePages) == 0 {
		return 0, false
	}
	pid := pt.freePages[0]
	pt.freePages = pt.freePages[1:]
	return pid, true
}

// removeFreePage deletes pid from the free list, if present. Used after
// reservePagesLocked hands a brand-new page straight to an in-flight
// alloc instead of letting it sit in the free list first.
func (pt *partition) removeFreePage(pid storage.PageId) {
	for i, fp := range pt.freePages {
		if fp == pid {
			pt.freePages = append(pt.freePages[:i], pt.freePages[i+1:]...)
			return
		}
	}
}

func (pt *partition) popFreeFrame() (FrameId, bool) {
	if len(pt.freeFrames) == 0 {
		return 0, false
	}
	fid := pt.freeFrames[0]
	pt.freeFrames = pt.freeFrames[1:]
	return fid, true
}
