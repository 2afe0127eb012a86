// Package kerr defines the error taxonomy shared by every layer of the
// memory-and-storage core: buffer cache, inode layer, frame table, swap,
// supplemental page table and the memory-mapped file manager. Recoverable
// members are ordinary sentinel errors a caller can test with errors.Is;
// the core wraps them with github.com/pkg/errors at each package boundary
// so a log line still shows the call chain that produced the failure.
// Unrecoverable members (OutOfSwap) are never returned — the code that
// hits them panics, per the policy in spec §7.
package kerr

import "errors"

var (
	// ErrOutOfDisk is returned when the free-sector map is exhausted
	// during inode create or grow. A failing Create releases every
	// sector it allocated before returning it; a failing WriteAt keeps
	// the sectors it linked before the failure and reports a short write.
	ErrOutOfDisk = errors.New("kerr: out of disk space")

	// ErrOutOfMemory is returned when a heap allocation (cache entry,
	// page descriptor, frame record) cannot be satisfied.
	ErrOutOfMemory = errors.New("kerr: out of memory")

	// ErrWriteDenied is returned by the eviction path when writing a
	// dirty page back to its file stores fewer bytes than the page
	// holds. The frame allocator must pick a different victim.
	ErrWriteDenied = errors.New("kerr: write denied on backing file")

	// ErrBadUserAddress marks a user-supplied address as unmapped,
	// kernel-range, or not writable for a write access. The policy
	// layer (page-fault handler or syscall trampoline) terminates the
	// offending process with exit code -1 on seeing this error.
	ErrBadUserAddress = errors.New("kerr: bad user address")

	// ErrAlreadyMapped is returned by mmap.Map when the target region
	// overlaps an existing supplemental-page-table entry.
	ErrAlreadyMapped = errors.New("kerr: region already mapped")

	// ErrNotFound is returned when a lookup (descriptor, frame, open
	// inode) fails to find its key.
	ErrNotFound = errors.New("kerr: not found")
)

// ExitCode is the process exit status mandated by spec §7 for any
// user-visible failure that cannot be serviced: terminate, never panic
// the kernel.
const ExitCode = -1
