// Package vmem walks and edits the virtual address space of another
// process: region enumeration, capped reads, and commit state changes.
package vmem

import "strings"

// Memory state, type and protection constants from the Win32 ABI.
const (
	MemCommit  = 0x1000
	MemReserve = 0x2000
	MemFree    = 0x10000

	MemDecommit = 0x4000
	MemRelease  = 0x8000

	MemPrivate = 0x20000
	MemMapped  = 0x40000
	MemImage   = 0x1000000

	PageNoAccess         = 0x01
	PageReadOnly         = 0x02
	PageReadWrite        = 0x04
	PageWriteCopy        = 0x08
	PageExecute          = 0x10
	PageExecuteRead      = 0x20
	PageExecuteReadWrite = 0x40
	PageExecuteWriteCopy = 0x80
	PageGuard            = 0x100
	PageNoCache          = 0x200
	PageWriteCombine     = 0x400
)

// ReadCap bounds a single cross-process read.
const ReadCap = 1024 * 1024

// Region is one VirtualQueryEx result. AllocationBase differs from Base
// when one allocation was split into protection sub-regions.
type Region struct {
	Base              uintptr
	AllocationBase    uintptr
	Size              uintptr
	State             uint32
	Type              uint32
	Protect           uint32
	AllocationProtect uint32
}

// StateName renders a region state for display.
func StateName(state uint32) string {
	switch state {
	case MemCommit:
		return "Commit"
	case MemReserve:
		return "Reserve"
	case MemFree:
		return "Free"
	default:
		return "Unknown"
	}
}

// TypeName renders a region type for display. Free regions carry type 0.
func TypeName(typ uint32) string {
	switch typ {
	case MemPrivate:
		return "Private"
	case MemMapped:
		return "Mapped"
	case MemImage:
		return "Image"
	case 0:
		return "-"
	default:
		return "Unknown"
	}
}

// ProtectName renders protection flags: the base protection plus any
// Guard/NoCache/WriteCombine modifiers.
func ProtectName(protect uint32) string {
	if protect == 0 {
		return "-"
	}
	var base string
	switch protect & 0xFF {
	case PageNoAccess:
		base = "NoAccess"
	case PageReadOnly:
		base = "Read"
	case PageReadWrite:
		base = "ReadWrite"
	case PageWriteCopy:
		base = "WriteCopy"
	case PageExecute:
		base = "Execute"
	case PageExecuteRead:
		base = "ExecuteRead"
	case PageExecuteReadWrite:
		base = "ExecuteReadWrite"
	case PageExecuteWriteCopy:
		base = "ExecuteWriteCopy"
	default:
		base = "Unknown"
	}
	mods := []string{base}
	if protect&PageGuard != 0 {
		mods = append(mods, "Guard")
	}
	if protect&PageNoCache != 0 {
		mods = append(mods, "NoCache")
	}
	if protect&PageWriteCombine != 0 {
		mods = append(mods, "WriteCombine")
	}
	return strings.Join(mods, " + ")
}

// nextAddress advances the walk cursor past a region. ok is false when
// the region does not move the cursor strictly forward, which ends the
// walk instead of looping.
func nextAddress(addr, size uintptr) (uintptr, bool) {
	next := addr + size
	if next <= addr {
		return 0, false
	}
	return next, true
}
