//go:build windows

package inject

import (
	"os"
	"time"
	"unsafe"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"

	"github.com/un4ckn0wl3z/dioprocess/pkg/vmem"
)

const (
	awaitMillis = 10000

	waitObject0 = 0
	waitTimeout = 0x102
)

// awaitMillisFor applies the request timeout, defaulting to 10 s.
func awaitMillisFor(req *Request) uint32 {
	if req.Timeout <= 0 {
		return awaitMillis
	}
	return uint32(req.Timeout / time.Millisecond)
}

// targetAccess is the mask every strategy opens the target with.
const targetAccess = windows.PROCESS_CREATE_THREAD |
	windows.PROCESS_QUERY_INFORMATION |
	windows.PROCESS_VM_OPERATION |
	windows.PROCESS_VM_READ |
	windows.PROCESS_VM_WRITE

// validatePath rejects requests whose DLL does not exist before anything
// is opened or allocated.
func validatePath(req *Request) error {
	if req.PID == 0 {
		return failf(KindNotFound, "pid 0 is not a valid target")
	}
	if _, err := os.Stat(req.DLLPath); err != nil {
		return failf(KindNotFound, "dll path %s: %v", req.DLLPath, err)
	}
	return nil
}

// loaderAddress resolves LoadLibraryW in the local kernel32. Core system
// libraries share a base across processes, so the address is valid in
// the target too.
func loaderAddress() (uintptr, error) {
	base := api.GetModuleBase(api.GetHash("kernel32.dll"))
	if base == 0 {
		return 0, failf(KindSymbolResolution, "kernel32.dll not mapped locally")
	}
	addr := api.GetFunctionAddress(base, api.GetHash("LoadLibraryW"))
	if addr == 0 {
		return 0, failf(KindSymbolResolution, "LoadLibraryW not found in kernel32.dll")
	}
	return addr, nil
}

// freeFuncAddress resolves FreeLibrary the same way for unloading.
func freeFuncAddress() (uintptr, error) {
	base := api.GetModuleBase(api.GetHash("kernel32.dll"))
	if base == 0 {
		return 0, failf(KindSymbolResolution, "kernel32.dll not mapped locally")
	}
	addr := api.GetFunctionAddress(base, api.GetHash("FreeLibrary"))
	if addr == 0 {
		return 0, failf(KindSymbolResolution, "FreeLibrary not found in kernel32.dll")
	}
	return addr, nil
}

// utf16Bytes encodes s as UTF-16LE with a terminating NUL.
func utf16Bytes(s string) ([]byte, error) {
	u, err := windows.UTF16FromString(s)
	if err != nil {
		return nil, failf(KindMalformedInput, "path %q: %v", s, err)
	}
	out := make([]byte, len(u)*2)
	for i, c := range u {
		out[i*2] = byte(c)
		out[i*2+1] = byte(c >> 8)
	}
	return out, nil
}

func allocRemote(h uintptr, size uintptr, protect uintptr) (uintptr, error) {
	addr, err := api.Call("kernel32.dll", "VirtualAllocEx", h, 0, size,
		uintptr(vmem.MemCommit|vmem.MemReserve), protect)
	if err != nil || addr == 0 {
		return 0, failf(KindResourceExhaustion, "VirtualAllocEx(%d bytes): %v", size, err)
	}
	return addr, nil
}

// allocRemoteAt tries a fixed base first and falls back to letting the
// kernel choose.
func allocRemoteAt(h uintptr, base uintptr, size uintptr, protect uintptr) (uintptr, error) {
	addr, err := api.Call("kernel32.dll", "VirtualAllocEx", h, base, size,
		uintptr(vmem.MemCommit|vmem.MemReserve), protect)
	if err == nil && addr != 0 {
		return addr, nil
	}
	return allocRemote(h, size, protect)
}

func writeRemote(h uintptr, dst uintptr, data []byte) error {
	var written uintptr
	status, err := api.NtWriteVirtualMemory(h, dst, uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), &written)
	if status != 0 || written != uintptr(len(data)) {
		return failf(KindTransferFailure, "NtWriteVirtualMemory(0x%X, %d) status=0x%X written=%d err=%v",
			dst, len(data), status, written, err)
	}
	return nil
}

func freeRemote(h uintptr, base uintptr) {
	api.Call("kernel32.dll", "VirtualFreeEx", h, base, 0, uintptr(vmem.MemRelease))
}

func startRemoteThread(h uintptr, start uintptr, arg uintptr) (uintptr, error) {
	var tid uintptr
	hThread, err := api.Call("kernel32.dll", "CreateRemoteThread", h, 0, 0, start, arg, 0,
		uintptr(unsafe.Pointer(&tid)))
	if err != nil || hThread == 0 {
		return 0, failf(KindTriggerFailure, "CreateRemoteThread(start=0x%X): %v", start, err)
	}
	return hThread, nil
}

// awaitThread waits for a remote thread to finish. Timing out is its own
// failure kind, distinct from the thread failing to start.
func awaitThread(hThread uintptr, millis uint32) error {
	event, err := windows.WaitForSingleObject(windows.Handle(hThread), millis)
	switch event {
	case waitObject0:
		return nil
	case waitTimeout:
		return failf(KindTimeout, "remote thread did not finish within %d ms", millis)
	default:
		return failf(KindTriggerFailure, "WaitForSingleObject: event=0x%X err=%v", event, err)
	}
}

func closeHandle(h uintptr) {
	if h != 0 {
		windows.CloseHandle(windows.Handle(h))
	}
}
