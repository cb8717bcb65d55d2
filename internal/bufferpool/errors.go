package bufferpool

import "fmt"

// Kind is the closed taxonomy of buffer pool error conditions.
// NO_ERROR has no Go representation: a nil error already means success.
type Kind int

const (
	_ Kind = iota
	KindPoolSizeNotMultipleOfPageSize
	KindNoThreadsAvailableForPrefetching
	KindPageNotAllocated
	KindUnableToAccessProtectedPage
	KindPageNotPresent
	KindOutOfMemory
	KindPoolNotOpen
	KindAllocatedPageInFreelist
	KindProtectedPageInFreelist
	KindFreePageNotInFreelist
	KindFreePageMappedToBuffer
	KindBufferDescriptorIncorrectData
)

func (k Kind) String() string {
	switch k {
	case KindPoolSizeNotMultipleOfPageSize:
		return "POOL_SIZE_NOT_MULTIPLE_OF_PAGE_SIZE"
	case KindNoThreadsAvailableForPrefetching:
		return "NO_THREADS_AVAILABLE_FOR_PREFETCHING"
	case KindPageNotAllocated:
		return "PAGE_NOT_ALLOCATED"
	case KindUnableToAccessProtectedPage:
		return "UNABLE_TO_ACCESS_PROTECTED_PAGE"
	case KindPageNotPresent:
		return "PAGE_NOT_PRESENT"
	case KindOutOfMemory:
		return "OUT_OF_MEMORY"
	case KindPoolNotOpen:
		return "POOL_NOT_OPEN"
	case KindAllocatedPageInFreelist:
		return "ALLOCATED_PAGE_IN_FREELIST"
	case KindProtectedPageInFreelist:
		return "PROTECTED_PAGE_IN_FREELIST"
	case KindFreePageNotInFreelist:
		return "FREE_PAGE_NOT_IN_FREELIST"
	case KindFreePageMappedToBuffer:
		return "FREE_PAGE_MAPPED_TO_BUFFER"
	case KindBufferDescriptorIncorrectData:
		return "BUFFER_DESCRIPTOR_INCORRECT_DATA"
	default:
		return "UNKNOWN"
	}
}

// PoolError is the error type for every buffer-pool-detected failure.
// Storage adapter errors are forwarded unchanged and are never wrapped
// in a PoolError.
type PoolError struct {
	Kind Kind
	msg  string
}

func (e *PoolError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("bufferpool: %s: %s", e.Kind, e.msg)
	}
	return fmt.Sprintf("bufferpool: %s", e.Kind)
}

func newErr(k Kind, msg string) *PoolError {
	return &PoolError{Kind: k, msg: msg}
}

// Sentinels for errors.Is. Every PoolError of a given Kind is equal
// under errors.Is against the matching sentinel below, since Is
// compares Kind rather than pointer identity.
var (
	ErrPoolSizeNotMultipleOfPageSize    = newErr(KindPoolSizeNotMultipleOfPageSize, "")
	ErrNoThreadsAvailableForPrefetching = newErr(KindNoThreadsAvailableForPrefetching, "")
	ErrPageNotAllocated                 = newErr(KindPageNotAllocated, "")
	ErrUnableToAccessProtectedPage      = newErr(KindUnableToAccessProtectedPage, "")
	ErrPageNotPresent                   = newErr(KindPageNotPresent, "")
	ErrOutOfMemory                      = newErr(KindOutOfMemory, "")
	ErrPoolNotOpen                      = newErr(KindPoolNotOpen, "")
	ErrAllocatedPageInFreelist          = newErr(KindAllocatedPageInFreelist, "")
	ErrProtectedPageInFreelist          = newErr(KindProtectedPageInFreelist, "")
	ErrFreePageNotInFreelist            = newErr(KindFreePageNotInFreelist, "")
	ErrFreePageMappedToBuffer           = newErr(KindFreePageMappedToBuffer, "")
	ErrBufferDescriptorIncorrectData    = newErr(KindBufferDescriptorIncorrectData, "")
)

// Is implements the errors.Is contract by Kind equality, so a
// *PoolError carrying extra context still matches its bare sentinel.
func (e *PoolError) Is(target error) bool {
	pe, ok := target.(*PoolError)
	if !ok {
		return false
	}
	return pe.Kind == e.Kind
}
