//go:build windows

// Package control changes the run state of processes and threads:
// terminate, suspend and resume. Process-wide suspend has no documented
// Win32 surface, so it goes through the ntdll entry points resolved by
// name at call time.
package control

import (
	"errors"
	"fmt"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"
)

// ErrEntryPointMissing reports that an ntdll entry point could not be
// resolved. Callers can tell this apart from the call itself failing.
var ErrEntryPointMissing = errors.New("ntdll entry point not resolved")

// SuspendThread and TerminateThread are not exported by x/sys.
var (
	modkernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread   = modkernel32.NewProc("SuspendThread")
	procTerminateThread = modkernel32.NewProc("TerminateThread")
)

const suspendResumeFailed = 0xFFFFFFFF

// ntdllEntry resolves name inside the already-mapped ntdll.
func ntdllEntry(name string) (uintptr, error) {
	base := api.GetModuleBase(api.GetHash("ntdll.dll"))
	if base == 0 {
		return 0, fmt.Errorf("%w: ntdll.dll not mapped", ErrEntryPointMissing)
	}
	addr := api.GetFunctionAddress(base, api.GetHash(name))
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEntryPointMissing, name)
	}
	return addr, nil
}

// TerminateProcess forcefully ends pid with the given exit code.
func TerminateProcess(pid uint32, exitCode uint32) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		return fmt.Errorf("OpenProcess(%d) for terminate: %w", pid, err)
	}
	defer windows.CloseHandle(h)
	if err := windows.TerminateProcess(h, exitCode); err != nil {
		return fmt.Errorf("TerminateProcess(%d): %w", pid, err)
	}
	return nil
}

// SuspendProcess freezes every thread of pid through NtSuspendProcess.
func SuspendProcess(pid uint32) error {
	return callProcessEntry(pid, "NtSuspendProcess")
}

// ResumeProcess thaws pid through NtResumeProcess.
func ResumeProcess(pid uint32) error {
	return callProcessEntry(pid, "NtResumeProcess")
}

func callProcessEntry(pid uint32, name string) error {
	entry, err := ntdllEntry(name)
	if err != nil {
		return err
	}
	h, err := windows.OpenProcess(windows.PROCESS_SUSPEND_RESUME, false, pid)
	if err != nil {
		return fmt.Errorf("OpenProcess(%d) for %s: %w", pid, name, err)
	}
	defer windows.CloseHandle(h)

	status, err := api.CallWorker(entry, uintptr(h))
	if status != 0 {
		return fmt.Errorf("%s(%d) status=0x%X err=%v", name, pid, status, err)
	}
	return nil
}

// SuspendThread increments tid's suspend counter. Returns the previous
// count.
func SuspendThread(tid uint32) (uint32, error) {
	h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, tid)
	if err != nil {
		return 0, fmt.Errorf("OpenThread(%d) for suspend: %w", tid, err)
	}
	defer windows.CloseHandle(h)

	prev, _, callErr := procSuspendThread.Call(uintptr(h))
	if uint32(prev) == suspendResumeFailed {
		return 0, fmt.Errorf("SuspendThread(%d): %v", tid, callErr)
	}
	return uint32(prev), nil
}

// ResumeThread decrements tid's suspend counter. Returns the previous
// count.
func ResumeThread(tid uint32) (uint32, error) {
	h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, tid)
	if err != nil {
		return 0, fmt.Errorf("OpenThread(%d) for resume: %w", tid, err)
	}
	defer windows.CloseHandle(h)

	prev, err := windows.ResumeThread(h)
	if prev == suspendResumeFailed {
		return 0, fmt.Errorf("ResumeThread(%d): %v", tid, err)
	}
	return prev, nil
}

// TerminateThread forcefully ends tid. The thread gets no chance to
// release locks or run cleanup.
func TerminateThread(tid uint32, exitCode uint32) error {
	h, err := windows.OpenThread(windows.THREAD_TERMINATE, false, tid)
	if err != nil {
		return fmt.Errorf("OpenThread(%d) for terminate: %w", tid, err)
	}
	defer windows.CloseHandle(h)

	r, _, callErr := procTerminateThread.Call(uintptr(h), uintptr(exitCode))
	if r == 0 {
		return fmt.Errorf("TerminateThread(%d): %v", tid, callErr)
	}
	return nil
}
