package bufferpool

import (
	"sync"

	"github.com/tuannm99/smilebuf/internal/storage"
)

// frameDescriptor is the in-memory slot holding one page. Its contentLock
// guards every mutable field below, including the buffer bytes, so a
// reader holding the lock for read sees a self-consistent pageId/dirty/
// buffer triple.
type frameDescriptor struct {
	mu sync.RWMutex

	refCount   uint64
	usageCount uint64
	pageId     storage.PageId
	dirty      bool
	inUse      bool
	buffer     []byte
}
