// Package bufferpool implements a disk-backed page buffer pool: a
// fixed-size in-memory cache of fixed-size pages, a Clock-Sweep eviction
// policy, a partitioned concurrency scheme, an on-disk allocation
// bitmap, and optional asynchronous prefetching via a host-provided
// executor.
package bufferpool

import (
	"fmt"
	"log/slog"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tuannm99/smilebuf/internal/bitmap"
	"github.com/tuannm99/smilebuf/internal/executor"
	"github.com/tuannm99/smilebuf/internal/storage"
)

const logPrefix = "bufferpool: "

// Pool is a fixed-size buffer pool bound to one backing file. It is safe
// for concurrent use by multiple goroutines once Open or Create has
// succeeded.
type Pool struct {
	cfg      Config
	storage  storage.FileStorage
	executor executor.Executor

	opened atomic.Bool

	pageSize      int
	numPartitions int

	frames     []frameDescriptor
	partitions []*partition
	bitmap     *bitmap.Bitmap

	// nextVictim is the shared, global clock-sweep cursor. Every
	// partition's eviction scan advances it, so the hand sweeps the
	// whole frame table regardless of which partition is currently
	// evicting.
	nextVictim atomic.Uint64

	// currentThread rotates the executor thread a prefetch task lands
	// on, independent of which pid triggered it.
	currentThread atomic.Uint64
}

// New builds a Pool bound to store and exec. Open or Create must be
// called before any other method.
func New(cfg Config, store storage.FileStorage, exec executor.Executor) *Pool {
	return &Pool{cfg: cfg, storage: store, executor: exec}
}

func (p *Pool) validateConfig() error {
	if p.cfg.PageSizeKB <= 0 || p.cfg.PoolSizeKB <= 0 {
		return newErr(KindPoolSizeNotMultipleOfPageSize, "pool and page size must be positive")
	}
	if p.cfg.PoolSizeKB%p.cfg.PageSizeKB != 0 {
		return ErrPoolSizeNotMultipleOfPageSize
	}
	if p.cfg.NumPartitions <= 0 {
		return fmt.Errorf("bufferpool: numPartitions must be positive, got %d", p.cfg.NumPartitions)
	}
	return nil
}

func (p *Pool) checkPrefetchThreads() error {
	if p.cfg.PrefetchingDegree > 0 {
		if p.executor == nil || p.executor.NumThreads() == 0 {
			return ErrNoThreadsAvailableForPrefetching
		}
	}
	return nil
}

func (p *Pool) allocateTables() {
	frameCount := (p.cfg.PoolSizeKB * 1024) / p.pageSize

	p.frames = make([]frameDescriptor, frameCount)
	for i := range p.frames {
		p.frames[i].buffer = make([]byte, p.pageSize)
	}

	p.partitions = make([]*partition, p.numPartitions)
	for i := range p.partitions {
		p.partitions[i] = newPartition()
	}

	for fid := 0; fid < frameCount; fid++ {
		part := p.partitions[fid%p.numPartitions]
		part.freeFrames = append(part.freeFrames, FrameId(fid))
	}
}

// Open opens an existing backing file at path.
func (p *Pool) Open(path string) error {
	if p.opened.Load() {
		return fmt.Errorf("bufferpool: already open")
	}
	if err := p.validateConfig(); err != nil {
		return err
	}
	if err := p.storage.Open(path); err != nil {
		return err
	}

	p.pageSize = p.cfg.PageSizeKB * 1024
	if p.storage.PageSize() != p.pageSize {
		_ = p.storage.Close()
		return fmt.Errorf("bufferpool: storage page size %d does not match config page size %d", p.storage.PageSize(), p.pageSize)
	}
	if err := p.checkPrefetchThreads(); err != nil {
		_ = p.storage.Close()
		return err
	}

	p.numPartitions = p.cfg.NumPartitions
	p.allocateTables()

	if err := p.loadAllocationTable(); err != nil {
		_ = p.storage.Close()
		return err
	}
	p.distributeFreePages()

	p.opened.Store(true)
	slog.Debug(logPrefix+"opened", "path", path, "frames", len(p.frames), "partitions", p.numPartitions)
	return nil
}

// Create creates a fresh backing file at path through storageCfg; the
// bitmap starts empty, unlike Open which loads it from disk.
func (p *Pool) Create(path string, storageCfg storage.Config, overwrite bool) error {
	if p.opened.Load() {
		return fmt.Errorf("bufferpool: already open")
	}
	if err := p.validateConfig(); err != nil {
		return err
	}
	if err := p.storage.Create(path, storageCfg, overwrite); err != nil {
		return err
	}
	if err := p.checkPrefetchThreads(); err != nil {
		_ = p.storage.Close()
		return err
	}

	p.pageSize = p.cfg.PageSizeKB * 1024
	p.numPartitions = p.cfg.NumPartitions
	p.allocateTables()
	p.bitmap = bitmap.New(0)

	p.opened.Store(true)
	slog.Debug(logPrefix+"created", "path", path, "frames", len(p.frames), "partitions", p.numPartitions)
	return nil
}

// Close flushes all dirty frames, persists the bitmap, closes the
// storage adapter, and releases all in-memory state.
func (p *Pool) Close() error {
	if err := p.checkOpened(); err != nil {
		return err
	}

	err := p.Checkpoint()
	closeErr := p.storage.Close()
	p.opened.Store(false)
	p.frames = nil
	p.partitions = nil

	return multierr.Append(err, closeErr)
}

func (p *Pool) checkOpened() error {
	if !p.opened.Load() {
		return ErrPoolNotOpen
	}
	return nil
}

// IsProtected reports whether pid is a bitmap-reserved page id: these
// are never handed to clients and never cached as data frames.
func (p *Pool) IsProtected(pid storage.PageId) bool {
	return uint64(pid)%uint64(p.pageSize*8) == 0
}

func (p *Pool) checkPid(pid storage.PageId) error {
	if p.IsProtected(pid) {
		return ErrUnableToAccessProtectedPage
	}
	if uint64(pid) >= p.storage.Size() {
		return ErrPageNotAllocated
	}
	return nil
}

func (p *Pool) partitionOf(pid storage.PageId) *partition {
	return p.partitions[uint64(pid)%uint64(p.numPartitions)]
}

func (p *Pool) lockAllPartitions() {
	for _, part := range p.partitions {
		part.mu.Lock()
	}
}

func (p *Pool) unlockAllPartitions() {
	for i := len(p.partitions) - 1; i >= 0; i-- {
		p.partitions[i].mu.Unlock()
	}
}

// Alloc selects a free page, assigns it a frame, and returns it pinned
// with refCount=1.
func (p *Pool) Alloc() (BufferHandler, error) {
	if err := p.checkOpened(); err != nil {
		return BufferHandler{}, err
	}

	pid, err := p.allocPageId()
	if err != nil {
		return BufferHandler{}, err
	}

	part := p.partitionOf(pid)
	part.mu.Lock()
	fid, err := p.getEmptySlotLocked(part, uint64(pid)%uint64(p.numPartitions))
	if err != nil {
		part.mu.Unlock()
		return BufferHandler{}, err
	}
	part.pageToFrame[pid] = fid
	part.mu.Unlock()

	fd := &p.frames[fid]
	fd.mu.Lock()
	fd.refCount = 1
	fd.usageCount = 1
	fd.dirty = false
	fd.pageId = pid
	fd.inUse = true
	buf := fd.buffer
	fd.mu.Unlock()

	slog.Debug(logPrefix+"alloc", "pageId", pid, "frameId", fid)
	return BufferHandler{Buffer: buf, PageId: pid, FrameId: fid}, nil
}

// allocPageId picks (or mints) a free page id, under every partition
// lock: the free-page scan and the bitmap bit-set happen atomically
// across all partitions, matching how the original allocator takes every
// partition guard before touching the bitmap.
func (p *Pool) allocPageId() (storage.PageId, error) {
	p.lockAllPartitions()
	defer p.unlockAllPartitions()

	for _, part := range p.partitions {
		if pid, ok := part.popFreePage(); ok {
			p.bitmap.Set(uint64(pid), true)
			return pid, nil
		}
	}

	pid, err := p.reserveNonProtectedPageLocked()
	if err != nil {
		return 0, err
	}
	p.partitionOf(pid).removeFreePage(pid)
	p.bitmap.Set(uint64(pid), true)
	return pid, nil
}

// reservePagesLocked extends the file by n pages and returns the id of
// the first new page. Every new id grows the bitmap by one clear bit;
// non-protected ids are also pushed onto their partition's free list.
// Callers must already hold every partition lock.
func (p *Pool) reservePagesLocked(n uint32) (storage.PageId, error) {
	first, err := p.storage.Reserve(n)
	if err != nil {
		return 0, err
	}

	oldLen := p.bitmap.Len()
	newLen := uint64(first) + uint64(n)
	if newLen > oldLen {
		p.bitmap.Grow(newLen - oldLen)
	}

	for i := uint64(0); i < uint64(n); i++ {
		pid := storage.PageId(uint64(first) + i)
		if p.IsProtected(pid) {
			continue
		}
		p.partitionOf(pid).freePages = append(p.partitionOf(pid).freePages, pid)
	}

	return first, nil
}

// reserveNonProtectedPageLocked reserves one page, and if it landed on a
// protected (bitmap) page id, reserves one more and returns that one
// instead, so a caller never sees a protected id.
func (p *Pool) reserveNonProtectedPageLocked() (storage.PageId, error) {
	first, err := p.reservePagesLocked(1)
	if err != nil {
		return 0, err
	}
	if !p.IsProtected(first) {
		return first, nil
	}
	return p.reservePagesLocked(1)
}

// Release requires pid to be a legal, non-protected page. If resident,
// it is evicted (write-back if dirty); either way the page is freed:
// the bitmap bit clears and pid returns to its partition's free list.
func (p *Pool) Release(pid storage.PageId) error {
	if err := p.checkOpened(); err != nil {
		return err
	}
	if err := p.checkPid(pid); err != nil {
		return err
	}

	part := p.partitionOf(pid)
	part.mu.Lock()
	defer part.mu.Unlock()

	var writeErr error
	if fid, ok := part.pageToFrame[pid]; ok {
		delete(part.pageToFrame, pid)

		fd := &p.frames[fid]
		fd.mu.Lock()
		if fd.dirty {
			writeErr = p.storage.Write(fd.buffer, fd.pageId)
		}
		fd.refCount = 0
		fd.usageCount = 0
		fd.dirty = false
		fd.pageId = 0
		fd.inUse = false
		fd.mu.Unlock()

		part.freeFrames = append(part.freeFrames, fid)
	}

	p.bitmap.Set(uint64(pid), false)
	part.freePages = append(part.freePages, pid)

	if writeErr != nil {
		slog.Error(logPrefix+"release: write-back failed, page freed anyway", "pageId", pid, "err", writeErr)
	}
	return writeErr
}

// Pin requires pid legal and non-protected. On a hit it bumps the
// existing frame's counters; on a miss it claims a frame via the clock
// sweep and reads the page in.
//
// The refCount/usageCount bump is itself gated on enablePrefetch,
// matching the on-disk reference behavior: a pin made with
// enablePrefetch=false (as prefetch's own internal pins always are)
// warms the frame into cache without pinning it, making it immediately
// evictable. See runPrefetch.
func (p *Pool) Pin(pid storage.PageId, enablePrefetch bool) (BufferHandler, error) {
	if err := p.checkOpened(); err != nil {
		return BufferHandler{}, err
	}
	if err := p.checkPid(pid); err != nil {
		return BufferHandler{}, err
	}

	part := p.partitionOf(pid)
	part.mu.Lock()

	if fid, ok := part.pageToFrame[pid]; ok {
		part.mu.Unlock()

		fd := &p.frames[fid]
		fd.mu.Lock()
		if enablePrefetch {
			fd.refCount++
			fd.usageCount++
		}
		buf := fd.buffer
		fd.mu.Unlock()

		p.maybePrefetch(pid, enablePrefetch)
		return BufferHandler{Buffer: buf, PageId: pid, FrameId: fid}, nil
	}

	fid, err := p.getEmptySlotLocked(part, uint64(pid)%uint64(p.numPartitions))
	if err != nil {
		part.mu.Unlock()
		return BufferHandler{}, err
	}
	part.pageToFrame[pid] = fid
	part.mu.Unlock()

	fd := &p.frames[fid]
	fd.mu.Lock()
	if err := p.storage.Read(fd.buffer, pid); err != nil {
		fd.mu.Unlock()
		return BufferHandler{}, err
	}
	if enablePrefetch {
		fd.refCount = 1
		fd.usageCount = 1
	} else {
		fd.refCount = 0
		fd.usageCount = 0
	}
	fd.dirty = false
	fd.pageId = pid
	fd.inUse = true
	buf := fd.buffer
	fd.mu.Unlock()

	p.maybePrefetch(pid, enablePrefetch)
	return BufferHandler{Buffer: buf, PageId: pid, FrameId: fid}, nil
}

// Unpin decrements the frame's refCount for pid. It is an error to
// unpin a page that is not resident.
func (p *Pool) Unpin(pid storage.PageId) error {
	if err := p.checkOpened(); err != nil {
		return err
	}
	if err := p.checkPid(pid); err != nil {
		return err
	}

	part := p.partitionOf(pid)
	part.mu.Lock()
	fid, ok := part.pageToFrame[pid]
	part.mu.Unlock()
	if !ok {
		return ErrPageNotPresent
	}

	fd := &p.frames[fid]
	fd.mu.Lock()
	if fd.refCount > 0 {
		fd.refCount--
	}
	fd.mu.Unlock()
	return nil
}

// SetDirty marks pid's frame dirty. Fails with PAGE_NOT_PRESENT if pid
// is not resident.
func (p *Pool) SetDirty(pid storage.PageId) error {
	if err := p.checkOpened(); err != nil {
		return err
	}
	if err := p.checkPid(pid); err != nil {
		return err
	}

	part := p.partitionOf(pid)
	part.mu.Lock()
	fid, ok := part.pageToFrame[pid]
	part.mu.Unlock()
	if !ok {
		return ErrPageNotPresent
	}

	fd := &p.frames[fid]
	fd.mu.Lock()
	fd.dirty = true
	fd.mu.Unlock()
	return nil
}

// Checkpoint flushes every dirty resident frame and persists the
// allocation bitmap, under every partition lock.
func (p *Pool) Checkpoint() error {
	if err := p.checkOpened(); err != nil {
		return err
	}

	p.lockAllPartitions()
	defer p.unlockAllPartitions()

	var errs error
	for i := range p.frames {
		fd := &p.frames[i]
		fd.mu.Lock()
		if fd.inUse && fd.dirty {
			if err := p.storage.Write(fd.buffer, fd.pageId); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("bufferpool: checkpoint flush frame %d page %d: %w", i, fd.pageId, err))
			} else {
				fd.dirty = false
			}
		}
		fd.mu.Unlock()
	}

	if err := p.storeAllocationTableLocked(); err != nil {
		errs = multierr.Append(errs, err)
	}

	slog.Debug(logPrefix + "checkpoint complete")
	return errs
}

// GetStatistics returns a point-in-time snapshot of pool occupancy.
func (p *Pool) GetStatistics() (Statistics, error) {
	if err := p.checkOpened(); err != nil {
		return Statistics{}, err
	}

	var allocated uint64
	for i := range p.frames {
		fd := &p.frames[i]
		fd.mu.RLock()
		if fd.inUse {
			allocated++
		}
		fd.mu.RUnlock()
	}

	return Statistics{
		NumAllocatedPages: allocated,
		NumReservedPages:  p.storage.Size(),
		PageSize:          p.pageSize,
	}, nil
}

// CheckConsistency walks the bitmap and every partition's metadata,
// under every partition lock, and verifies invariants 1-5 of the data
// model. It returns nil if they all hold, else a distinct error kind
// for the first violation found.
func (p *Pool) CheckConsistency() error {
	if err := p.checkOpened(); err != nil {
		return err
	}

	p.lockAllPartitions()
	defer p.unlockAllPartitions()

	inFreePages := make(map[storage.PageId]int)
	inPageToFrame := make(map[storage.PageId]FrameId)

	for partID, part := range p.partitions {
		for _, pid := range part.freePages {
			inFreePages[pid]++
		}
		for pid, fid := range part.pageToFrame {
			fd := &p.frames[fid]
			fd.mu.RLock()
			ok := fd.inUse && fd.pageId == pid && uint64(fid)%uint64(p.numPartitions) == uint64(partID)
			fd.mu.RUnlock()
			if !ok {
				return ErrBufferDescriptorIncorrectData
			}
			inPageToFrame[pid] = fid
		}
	}

	size := p.storage.Size()
	for i := uint64(0); i < size; i++ {
		pid := storage.PageId(i)
		protected := p.IsProtected(pid)
		allocated := p.bitmap.Test(i)

		if protected {
			if inFreePages[pid] > 0 {
				return ErrProtectedPageInFreelist
			}
			if _, ok := inPageToFrame[pid]; ok {
				return ErrBufferDescriptorIncorrectData
			}
			continue
		}

		if allocated {
			if inFreePages[pid] > 0 {
				return ErrAllocatedPageInFreelist
			}
			continue
		}

		if inFreePages[pid] != 1 {
			return ErrFreePageNotInFreelist
		}
		if _, ok := inPageToFrame[pid]; ok {
			return ErrFreePageMappedToBuffer
		}
	}
	return nil
}

func (p *Pool) loadAllocationTable() error {
	size := p.storage.Size()
	bitsPerPage := uint64(p.pageSize * 8)
	numBitmapPages := (size + bitsPerPage - 1) / bitsPerPage

	bm := bitmap.New(size)
	buf := make([]byte, p.pageSize)
	for k := uint64(0); k < numBitmapPages; k++ {
		pid := storage.PageId(k * bitsPerPage)
		if err := p.storage.Read(buf, pid); err != nil {
			return err
		}
		bm.SetPageBytes(int(k), p.pageSize, buf)
	}
	// Drop any bits the last bitmap page carried beyond the file's size.
	bm.Resize(size)

	p.bitmap = bm
	return nil
}

func (p *Pool) storeAllocationTableLocked() error {
	bitsPerPage := uint64(p.pageSize * 8)
	n := p.bitmap.Len()
	numBitmapPages := (n + bitsPerPage - 1) / bitsPerPage

	var errs error
	for k := uint64(0); k < numBitmapPages; k++ {
		pid := storage.PageId(k * bitsPerPage)
		buf := p.bitmap.PageBytes(int(k), p.pageSize)
		if err := p.storage.Write(buf, pid); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (p *Pool) distributeFreePages() {
	size := p.storage.Size()
	for i := uint64(0); i < size; i++ {
		pid := storage.PageId(i)
		if p.IsProtected(pid) || p.bitmap.Test(i) {
			continue
		}
		p.partitionOf(pid).freePages = append(p.partitionOf(pid).freePages, pid)
	}
}

// getEmptySlotLocked returns a frame id belonging to partition
// partitionID, either from its free-frame queue or by running the clock
// sweep. Callers must hold part.mu and release it only after recording
// the new pageToFrame mapping.
func (p *Pool) getEmptySlotLocked(part *partition, partitionID uint64) (FrameId, error) {
	if fid, ok := part.popFreeFrame(); ok {
		fd := &p.frames[fid]
		fd.mu.Lock()
		fd.inUse = true
		fd.mu.Unlock()
		return fid, nil
	}
	return p.clockSweepLocked(part, partitionID)
}

// clockSweepLocked runs the bounded clock sweep described by the
// partitioned second-chance policy: a shared cursor rotates over the
// whole frame table, filtered down to frames owned by partitionID. The
// 2*frameCount bound allows one pass to drain usageCounts to 0 and a
// second to pick a victim, without spinning forever.
func (p *Pool) clockSweepLocked(part *partition, partitionID uint64) (FrameId, error) {
	frameCount := uint64(len(p.frames))
	if frameCount == 0 {
		return 0, ErrOutOfMemory
	}

	numPartitions := uint64(p.numPartitions)
	seenUnpinned := false

	for scanned := uint64(0); scanned < 2*frameCount; scanned++ {
		cursor := p.nextVictim.Add(1) - 1
		fid := FrameId(cursor % frameCount)

		if uint64(fid)%numPartitions != partitionID {
			continue
		}

		fd := &p.frames[fid]
		fd.mu.Lock()
		if fd.refCount > 0 {
			fd.mu.Unlock()
			continue
		}
		seenUnpinned = true

		if fd.usageCount == 0 {
			oldPid := fd.pageId
			if fd.dirty {
				if err := p.storage.Write(fd.buffer, oldPid); err != nil {
					fd.mu.Unlock()
					return 0, err
				}
			}
			fd.mu.Unlock()
			delete(part.pageToFrame, oldPid)
			return fid, nil
		}

		fd.usageCount--
		fd.mu.Unlock()
	}

	if !seenUnpinned {
		return 0, newErr(KindOutOfMemory, "every frame in partition is pinned")
	}
	return 0, newErr(KindOutOfMemory, "clock sweep exceeded bound without finding a victim")
}
