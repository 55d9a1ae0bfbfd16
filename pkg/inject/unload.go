//go:build windows

package inject

import (
	"golang.org/x/sys/windows"
)

// Unload asks the target to drop a module loaded by LoadLibraryW, by
// running FreeLibrary(moduleBase) on a short-lived remote thread. Modules
// mapped by ManualMap are invisible to the OS loader and cannot be
// unloaded this way.
func Unload(pid uint32, moduleBase uintptr) error {
	if pid == 0 {
		return failf(KindNotFound, "pid 0 is not a valid target")
	}
	freeFn, err := freeFuncAddress()
	if err != nil {
		return err
	}
	h, oerr := windows.OpenProcess(targetAccess, false, pid)
	if oerr != nil {
		return failf(KindOpenFailure, "OpenProcess(%d): %v", pid, oerr)
	}
	defer windows.CloseHandle(h)

	hThread, err := startRemoteThread(uintptr(h), freeFn, moduleBase)
	if err != nil {
		return err
	}
	defer closeHandle(hThread)
	return awaitThread(hThread, awaitMillis)
}
