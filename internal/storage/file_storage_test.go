package storage

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLocalFileStorage_CreateThenReadWriteRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewLocalFileStorage(fs, 0)
	require.NoError(t, s.Create("/data.smile", Config{PageSizeKB: 4}, true))
	require.Equal(t, 4*1024, s.PageSize())
	require.Zero(t, s.Size())

	pid, err := s.Reserve(2)
	require.NoError(t, err)
	require.EqualValues(t, 0, pid)
	require.EqualValues(t, 2, s.Size())

	want := make([]byte, s.PageSize())
	copy(want, "hello page")
	require.NoError(t, s.Write(want, pid+1))

	got := make([]byte, s.PageSize())
	require.NoError(t, s.Read(got, pid+1))
	require.Equal(t, want, got)
}

func TestLocalFileStorage_ReadBeyondEOFReturnsZeroPage(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewLocalFileStorage(fs, 0)
	require.NoError(t, s.Create("/data.smile", Config{PageSizeKB: 4}, true))

	buf := make([]byte, s.PageSize())
	for i := range buf {
		buf[i] = 0xAA
	}
	require.NoError(t, s.Read(buf, 50))
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestLocalFileStorage_RejectsWrongSizedBuffers(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewLocalFileStorage(fs, 0)
	require.NoError(t, s.Create("/data.smile", Config{PageSizeKB: 4}, true))

	require.Error(t, s.Write(make([]byte, 10), 0))
	require.Error(t, s.Read(make([]byte, 10), 0))
}

func TestLocalFileStorage_OperationsBeforeOpenFail(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewLocalFileStorage(fs, 4096)

	require.ErrorIs(t, s.Close(), ErrNotOpen)
	require.ErrorIs(t, s.Read(make([]byte, 4096), 0), ErrNotOpen)
	require.ErrorIs(t, s.Write(make([]byte, 4096), 0), ErrNotOpen)
	_, err := s.Reserve(1)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestLocalFileStorage_CreateThenOpenPersistsAcrossInstances(t *testing.T) {
	fs := afero.NewMemMapFs()
	s1 := NewLocalFileStorage(fs, 0)
	require.NoError(t, s1.Create("/data.smile", Config{PageSizeKB: 4}, true))
	_, err := s1.Reserve(3)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2 := NewLocalFileStorage(fs, 4*1024)
	require.NoError(t, s2.Open("/data.smile"))
	require.EqualValues(t, 3, s2.Size())
	require.NoError(t, s2.Close())
}

func TestLocalFileStorage_CreateRejectsExistingFileWithoutOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	s1 := NewLocalFileStorage(fs, 0)
	require.NoError(t, s1.Create("/data.smile", Config{PageSizeKB: 4}, true))
	require.NoError(t, s1.Close())

	s2 := NewLocalFileStorage(fs, 0)
	require.Error(t, s2.Create("/data.smile", Config{PageSizeKB: 4}, false))
}
