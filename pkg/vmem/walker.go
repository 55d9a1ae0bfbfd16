//go:build windows

package vmem

import (
	"fmt"
	"unsafe"

	winapi "github.com/carved4/go-native-syscall"
	"golang.org/x/sys/windows"
)

var (
	modkernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualQueryEx = modkernel32.NewProc("VirtualQueryEx")
)

// memoryBasicInformation is MEMORY_BASIC_INFORMATION for x64.
type memoryBasicInformation struct {
	BaseAddress       uintptr
	AllocationBase    uintptr
	AllocationProtect uint32
	PartitionId       uint16
	RegionSize        uintptr
	State             uint32
	Protect           uint32
	Type              uint32
}

// Regions walks pid's address space from address zero until VirtualQueryEx
// stops answering. A region that fails to advance the cursor terminates
// the walk.
func Regions(pid uint32) ([]Region, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("OpenProcess(%d) for region walk: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	var out []Region
	var addr uintptr
	for {
		var mbi memoryBasicInformation
		r, _, _ := procVirtualQueryEx.Call(uintptr(h), addr,
			uintptr(unsafe.Pointer(&mbi)), unsafe.Sizeof(mbi))
		if r == 0 {
			break
		}
		out = append(out, Region{
			Base:              mbi.BaseAddress,
			AllocationBase:    mbi.AllocationBase,
			Size:              mbi.RegionSize,
			State:             mbi.State,
			Type:              mbi.Type,
			Protect:           mbi.Protect,
			AllocationProtect: mbi.AllocationProtect,
		})
		next, ok := nextAddress(addr, mbi.RegionSize)
		if !ok {
			break
		}
		addr = next
	}
	return out, nil
}

// Read copies up to ReadCap bytes from pid's address space. The result is
// truncated to what ReadProcessMemory actually transferred; zero bytes is
// an error.
func Read(pid uint32, addr uintptr, size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-length read at 0x%X", addr)
	}
	if size > ReadCap {
		size = ReadCap
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("OpenProcess(%d) for read: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	buf := make([]byte, size)
	var read uintptr
	if err := windows.ReadProcessMemory(h, addr, &buf[0], size, &read); err != nil {
		return nil, fmt.Errorf("ReadProcessMemory(0x%X, %d): %w", addr, size, err)
	}
	if read == 0 {
		return nil, fmt.Errorf("ReadProcessMemory(0x%X): no bytes read", addr)
	}
	return buf[:read], nil
}

func openForAlloc(pid uint32) (windows.Handle, error) {
	h, err := windows.OpenProcess(windows.PROCESS_VM_OPERATION, false, pid)
	if err != nil {
		return 0, fmt.Errorf("OpenProcess(%d) for memory op: %w", pid, err)
	}
	return h, nil
}

// Commit commits (reserving if needed) a read-write region in pid.
func Commit(pid uint32, addr uintptr, size uintptr) error {
	h, err := openForAlloc(pid)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	base, regionSize := addr, size
	status, err := winapi.NtAllocateVirtualMemory(uintptr(h), &base, 0, &regionSize,
		MemCommit|MemReserve, PageReadWrite)
	if status != 0 {
		return fmt.Errorf("NtAllocateVirtualMemory(0x%X, %d) status=0x%X err=%v", addr, size, status, err)
	}
	return nil
}

// Decommit decommits pages without releasing the enclosing allocation.
func Decommit(pid uint32, addr uintptr, size uintptr) error {
	h, err := openForAlloc(pid)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	base, regionSize := addr, size
	status, err := winapi.NtFreeVirtualMemory(uintptr(h), &base, &regionSize, MemDecommit)
	if status != 0 {
		return fmt.Errorf("NtFreeVirtualMemory(decommit 0x%X) status=0x%X err=%v", addr, status, err)
	}
	return nil
}

// Free releases a whole allocation. allocBase must be the allocation base,
// and the size must be zero for MEM_RELEASE.
func Free(pid uint32, allocBase uintptr) error {
	h, err := openForAlloc(pid)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	base := allocBase
	var regionSize uintptr
	status, err := winapi.NtFreeVirtualMemory(uintptr(h), &base, &regionSize, MemRelease)
	if status != 0 {
		return fmt.Errorf("NtFreeVirtualMemory(release 0x%X) status=0x%X err=%v", allocBase, status, err)
	}
	return nil
}
