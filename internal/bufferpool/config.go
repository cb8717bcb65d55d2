package bufferpool

import "github.com/tuannm99/smilebuf/internal/storage"

// Config describes the shape of a pool: how much memory it gets, the
// page size it speaks, how its metadata is sharded, and how eager its
// prefetching is. It is a plain struct constructed by the caller — there
// is no config file or CLI to populate it from.
type Config struct {
	// PoolSizeKB is the total size of the in-memory frame cache, in KB.
	// Must be a multiple of PageSizeKB.
	PoolSizeKB int

	// PageSizeKB is the fixed page size, in KB, for both the frame
	// buffers and the backing file.
	PageSizeKB int

	// NumPartitions is how many independent metadata shards the pool
	// maintains. Must be > 0.
	NumPartitions int

	// PrefetchingDegree is how many sequential pages a successful pin
	// tries to warm ahead of pid, via the executor. 0 disables
	// prefetching.
	PrefetchingDegree int
}

// FrameId indexes the frame table. Stable for the pool's lifetime.
type FrameId uint64

// BufferHandler is the client-facing view of a pinned page: a pointer to
// its bytes plus the identifiers needed to unpin/setDirty it later. It is
// only valid between the Pin/Alloc call that produced it and the
// matching Unpin.
type BufferHandler struct {
	Buffer  []byte
	PageId  storage.PageId
	FrameId FrameId
}

// Statistics is a point-in-time snapshot returned by GetStatistics.
type Statistics struct {
	NumAllocatedPages uint64
	NumReservedPages  uint64
	PageSize          int
}
