package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/afero"
)

const logPrefix = "storage: "

// LocalFileStorage is a FileStorage backed by a single file on an
// afero.Fs. Production callers pass afero.NewOsFs(); tests typically
// pass afero.NewMemMapFs() to avoid touching the real disk.
//
// The page size is fixed per adapter instance (set by the constructor
// or by Create) since, unlike the storage's own file, there is nowhere
// on an arbitrary backing file to self-describe it before it is read.
type LocalFileStorage struct {
	fs afero.Fs

	mu        sync.RWMutex
	file      afero.File
	pageSize  int
	pageCount uint64
	opened    bool
}

// NewLocalFileStorage creates a FileStorage bound to fs with a fixed
// page size in bytes. fs may be afero.NewOsFs() for real files or
// afero.NewMemMapFs() for tests. pageSize may be 0 if the adapter will
// only ever be used via Create, which sets it from the given Config.
func NewLocalFileStorage(fs afero.Fs, pageSize int) *LocalFileStorage {
	return &LocalFileStorage{fs: fs, pageSize: pageSize}
}

func (s *LocalFileStorage) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return ErrAlreadyOpen
	}
	if s.pageSize == 0 {
		return fmt.Errorf("storage: page size unknown for %q; construct with NewLocalFileStorage(fs, pageSize)", path)
	}

	f, err := s.fs.OpenFile(path, os.O_RDWR, 0o664)
	if err != nil {
		return fmt.Errorf("storage: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: stat %q: %w", path, err)
	}

	s.file = f
	s.pageCount = uint64(info.Size()) / uint64(s.pageSize)
	s.opened = true

	slog.Debug(logPrefix+"opened", "path", path, "pageSize", s.pageSize, "pageCount", s.pageCount)
	return nil
}

func (s *LocalFileStorage) Create(path string, cfg Config, overwrite bool) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return ErrAlreadyOpen
	}

	if !overwrite {
		if exists, _ := afero.Exists(s.fs, path); exists {
			return fmt.Errorf("storage: %q already exists and overwrite=false", path)
		}
	}

	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		return fmt.Errorf("storage: create %q: %w", path, err)
	}

	s.file = f
	s.pageSize = cfg.PageSizeKB * 1024
	s.pageCount = 0
	s.opened = true

	slog.Debug(logPrefix+"created", "path", path, "pageSize", s.pageSize)
	return nil
}

func (s *LocalFileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return ErrNotOpen
	}
	err := s.file.Close()
	s.opened = false
	s.file = nil
	return err
}

func (s *LocalFileStorage) Read(buf []byte, pId PageId) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.opened {
		return ErrNotOpen
	}
	if len(buf) != s.pageSize {
		return fmt.Errorf("storage: read buffer must be %d bytes, got %d", s.pageSize, len(buf))
	}

	off := int64(pId) * int64(s.pageSize)
	n, err := s.file.ReadAt(buf, off)
	if err != nil && n == 0 {
		// Entirely beyond EOF: treat as a zero page, consistent with a
		// sparse file that has not been written yet.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (s *LocalFileStorage) Write(buf []byte, pId PageId) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.opened {
		return ErrNotOpen
	}
	if len(buf) != s.pageSize {
		return fmt.Errorf("storage: write buffer must be %d bytes, got %d", s.pageSize, len(buf))
	}

	off := int64(pId) * int64(s.pageSize)
	_, err := s.file.WriteAt(buf, off)
	return err
}

func (s *LocalFileStorage) Reserve(n uint32) (PageId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return 0, ErrNotOpen
	}

	first := PageId(s.pageCount)
	zero := make([]byte, s.pageSize)
	for i := uint32(0); i < n; i++ {
		off := int64(s.pageCount) * int64(s.pageSize)
		if _, err := s.file.WriteAt(zero, off); err != nil {
			return 0, fmt.Errorf("storage: reserve page %d: %w", s.pageCount, err)
		}
		s.pageCount++
	}

	slog.Debug(logPrefix+"reserved", "n", n, "first", first, "pageCount", s.pageCount)
	return first, nil
}

func (s *LocalFileStorage) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageCount
}

func (s *LocalFileStorage) PageSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageSize
}
