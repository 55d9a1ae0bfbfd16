//go:build windows

package snapshot

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procGetThreadPriority = modkernel32.NewProc("GetThreadPriority")

	modpsapi                 = windows.NewLazySystemDLL("psapi.dll")
	procGetProcessMemoryInfo = modpsapi.NewProc("GetProcessMemoryInfo")
)

const threadPriorityErrorReturn = 0x7FFFFFFF

type processMemoryCounters struct {
	cb                         uint32
	PageFaultCount             uint32
	PeakWorkingSetSize         uintptr
	WorkingSetSize             uintptr
	QuotaPeakPagedPoolUsage    uintptr
	QuotaPagedPoolUsage        uintptr
	QuotaPeakNonPagedPoolUsage uintptr
	QuotaNonPagedPoolUsage     uintptr
	PagefileUsage              uintptr
	PeakPagefileUsage          uintptr
}

// Processes walks the process snapshot. Detail fields are filled per
// process only when it can be opened; open failures never abort the walk.
func Processes() ([]ProcessInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot(process): %w", err)
	}
	defer windows.CloseHandle(snap)

	var out []ProcessInfo
	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))
	for err = windows.Process32First(snap, &pe); err == nil; err = windows.Process32Next(snap, &pe) {
		info := ProcessInfo{
			PID:         pe.ProcessID,
			ParentPID:   pe.ParentProcessID,
			Name:        windows.UTF16ToString(pe.ExeFile[:]),
			ThreadCount: pe.Threads,
		}
		fillDetails(&info)
		out = append(out, info)
	}
	if err != nil && err != windows.ERROR_NO_MORE_FILES {
		return out, fmt.Errorf("process walk: %w", err)
	}
	return out, nil
}

// fillDetails adds working set and image path, tolerating open failure.
func fillDetails(info *ProcessInfo) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, info.PID)
	if err != nil {
		return
	}
	defer windows.CloseHandle(h)

	var pmc processMemoryCounters
	pmc.cb = uint32(unsafe.Sizeof(pmc))
	r, _, _ := procGetProcessMemoryInfo.Call(uintptr(h), uintptr(unsafe.Pointer(&pmc)), uintptr(pmc.cb))
	if r != 0 {
		info.WorkingSetMB = float64(pmc.WorkingSetSize) / (1024.0 * 1024.0)
	}

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err == nil {
		info.ExePath = windows.UTF16ToString(buf[:size])
	}
}

// ProcessDetails returns the detail fields for one pid, failing loudly
// instead of zeroing them.
func ProcessDetails(pid uint32) (ProcessInfo, error) {
	procs, err := Processes()
	if err != nil {
		return ProcessInfo{}, err
	}
	for _, p := range procs {
		if p.PID == pid {
			return p, nil
		}
	}
	return ProcessInfo{}, fmt.Errorf("process %d: %w", pid, ErrNotFound)
}

// Threads walks the thread snapshot. pid 0 returns every thread on the
// system, otherwise only pid's threads. Priority comes from
// GetThreadPriority on a query handle, falling back to the base priority.
func Threads(pid uint32) ([]ThreadInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot(thread): %w", err)
	}
	defer windows.CloseHandle(snap)

	var out []ThreadInfo
	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	for err = windows.Thread32First(snap, &te); err == nil; err = windows.Thread32Next(snap, &te) {
		if pid != 0 && te.OwnerProcessID != pid {
			continue
		}
		info := ThreadInfo{
			TID:          te.ThreadID,
			OwnerPID:     te.OwnerProcessID,
			BasePriority: te.BasePri,
			Priority:     te.BasePri,
		}
		if h, oerr := windows.OpenThread(windows.THREAD_QUERY_INFORMATION, false, te.ThreadID); oerr == nil {
			r, _, _ := procGetThreadPriority.Call(uintptr(h))
			if int32(r) != threadPriorityErrorReturn {
				info.Priority = int32(r)
			}
			windows.CloseHandle(h)
		}
		out = append(out, info)
	}
	if err != nil && err != windows.ERROR_NO_MORE_FILES {
		return out, fmt.Errorf("thread walk: %w", err)
	}
	return out, nil
}

// Modules lists the modules loaded in pid.
func Modules(pid uint32) ([]ModuleInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot(module, pid=%d): %w", pid, err)
	}
	defer windows.CloseHandle(snap)

	var out []ModuleInfo
	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	for err = windows.Module32First(snap, &me); err == nil; err = windows.Module32Next(snap, &me) {
		out = append(out, ModuleInfo{
			Name: windows.UTF16ToString(me.Module[:]),
			Path: windows.UTF16ToString(me.ExePath[:]),
			Base: me.ModBaseAddr,
			Size: me.ModBaseSize,
		})
	}
	if err != nil && err != windows.ERROR_NO_MORE_FILES {
		return out, fmt.Errorf("module walk: %w", err)
	}
	return out, nil
}

// FindModule returns the module named name (case-sensitive match on the
// short name) inside pid.
func FindModule(pid uint32, name string) (ModuleInfo, error) {
	mods, err := Modules(pid)
	if err != nil {
		return ModuleInfo{}, err
	}
	for _, m := range mods {
		if m.Name == name {
			return m, nil
		}
	}
	return ModuleInfo{}, fmt.Errorf("module %s in pid %d: %w", name, pid, ErrNotFound)
}
