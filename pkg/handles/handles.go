//go:build windows

package handles

import (
	"fmt"
	"unsafe"

	winapi "github.com/carved4/go-native-syscall"
	"golang.org/x/sys/windows"
)

const (
	systemHandleInformation = 16

	statusInfoLengthMismatch = 0xC0000004
)

// QueryProcess returns all handles owned by pid.
func QueryProcess(pid uint32) ([]Handle, error) {
	buf, err := querySystemHandles()
	if err != nil {
		return nil, err
	}
	return parseTable(buf, pid), nil
}

// QuerySystem returns the full system handle table.
func QuerySystem() ([]Handle, error) {
	buf, err := querySystemHandles()
	if err != nil {
		return nil, err
	}
	return parseTable(buf, 0), nil
}

// querySystemHandles fetches SYSTEM_HANDLE_INFORMATION, doubling the buffer
// on STATUS_INFO_LENGTH_MISMATCH. A table still growing past the hard cap
// yields an empty result rather than an error or an unbounded spin.
func querySystemHandles() ([]byte, error) {
	size := uintptr(initialBufferSize)
	for {
		buf := make([]byte, size)
		var retLen uintptr
		status, err := winapi.NtQuerySystemInformation(systemHandleInformation, unsafe.Pointer(&buf[0]), size, &retLen)
		if status == statusInfoLengthMismatch {
			next, ok := nextQuerySize(size)
			if !ok {
				return nil, nil
			}
			size = next
			continue
		}
		if status != 0 {
			return nil, fmt.Errorf("NtQuerySystemInformation failed: status=0x%X err=%v", status, err)
		}
		return buf, nil
	}
}

// CloseRemote closes a handle inside another process by duplicating it out
// with DUPLICATE_CLOSE_SOURCE and closing the duplicate.
func CloseRemote(pid uint32, handleValue uint16) error {
	h, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, pid)
	if err != nil {
		return fmt.Errorf("OpenProcess(%d) for handle close: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	var dup windows.Handle
	err = windows.DuplicateHandle(h, windows.Handle(handleValue), windows.CurrentProcess(), &dup,
		0, false, windows.DUPLICATE_CLOSE_SOURCE)
	if err != nil {
		return fmt.Errorf("DuplicateHandle(0x%X) close-source: %w", handleValue, err)
	}
	windows.CloseHandle(dup)
	return nil
}
