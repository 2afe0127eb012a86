// Package process is the per-process record the core consumes as an
// external collaborator (spec §1d): a page directory, a supplemental
// page table, a mapping table, and the bounds of the user stack
// region used by the page-fault protocol's stack-growth test.
//
// Grounded on original_source/src/userprog/process.c for the fields a
// real process control block carries that this core actually touches;
// everything else (argument passing, ELF loading, exit status
// tracking beyond what kerr.ExitCode needs) is out of scope per
// spec §1.
package process

import "vmcore/pgdir"

// DefaultKernelBase is the user/kernel address-space split (spec
// §4.3 step 1), the Go-native stand-in for Pintos's PHYS_BASE
// (original_source/src/userprog/process.c:693,701): any user virtual
// address at or above this line belongs to the kernel half of the
// address space and can never legitimately fault as a user access.
const DefaultKernelBase = 0xC0000000

// Process is a process record (spec §1d, §4.3).
type Process struct {
	Pid int
	Dir *pgdir.Dir

	// StackBase and StackLimit bound the permitted stack-growth region
	// (spec §4.3 step 4): a fault at fa is stack-growth-eligible if
	// StackLimit <= fa < StackBase.
	StackBase  uint64
	StackLimit uint64

	// KernelBase is the address at and above which a user-mode fault is
	// rejected outright (spec §4.3 step 1), grounded on is_user_vaddr /
	// PHYS_BASE (original_source/src/userprog/process.c:600,602 and
	// syscall.c:49).
	KernelBase uint64

	// SPT and Mmap are set by whoever builds the process's tables (with
	// spt.NewTable and mmap.NewTable); those constructors do not set
	// them. They are untyped to avoid an import cycle: spt depends on
	// *Process, so Process cannot depend back on its concrete types.
	SPT  any
	Mmap any
}

// New creates a process record with a fresh page directory, the given
// stack region, and the default user/kernel address-space split.
func New(pid int, stackBase, stackLimit uint64) *Process {
	return &Process{
		Pid:        pid,
		Dir:        pgdir.New(),
		StackBase:  stackBase,
		StackLimit: stackLimit,
		KernelBase: DefaultKernelBase,
	}
}

// IsUserAddress reports whether fa lies in the user half of the
// address space (spec §4.3 step 1's "reject obvious kernel-address
// faults"), grounded on is_user_vaddr.
func (p *Process) IsUserAddress(fa uint64) bool {
	return fa < p.KernelBase
}

// StackEligible reports whether a fault at fa, with stack pointer sp,
// qualifies for stack growth (spec §4.3 step 4): fa >= sp-32 and fa
// falls in the process's permitted stack region.
func (p *Process) StackEligible(fa, sp uint64) bool {
	if fa+32 < sp {
		return false
	}
	return fa >= p.StackLimit && fa < p.StackBase
}
