// Package snapshot enumerates processes, threads and modules through
// Toolhelp32 snapshots. Per-entry detail is best effort: entries the
// caller cannot open still appear with zeroed detail fields.
package snapshot

import "errors"

// ErrNotFound is returned by pid-scoped lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ProcessInfo is one process row. WorkingSetMB, ExePath and CPUPercent
// stay zero/empty when the process could not be opened.
type ProcessInfo struct {
	PID          uint32
	ParentPID    uint32
	Name         string
	ThreadCount  uint32
	WorkingSetMB float64
	ExePath      string
	CPUPercent   float64
}

// ThreadInfo is one thread row. Priority is GetThreadPriority when the
// thread could be opened, otherwise BasePriority.
type ThreadInfo struct {
	TID          uint32
	OwnerPID     uint32
	BasePriority int32
	Priority     int32
}

// ModuleInfo is one loaded module of a process.
type ModuleInfo struct {
	Name string
	Path string
	Base uintptr
	Size uint32
}

// SystemStats is a host-wide usage sample.
type SystemStats struct {
	TotalMemoryMB float64
	UsedMemoryMB  float64
	MemoryPercent float64
	CPUPercent    float64
	UptimeSeconds uint64
}

// PriorityName maps the documented thread priority levels to display names.
func PriorityName(prio int32) string {
	switch prio {
	case -15:
		return "Idle"
	case -2:
		return "Lowest"
	case -1:
		return "Below Normal"
	case 0:
		return "Normal"
	case 1:
		return "Above Normal"
	case 2:
		return "Highest"
	case 15:
		return "Time Critical"
	default:
		return "Unknown"
	}
}
