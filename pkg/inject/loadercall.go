//go:build windows

package inject

import (
	"golang.org/x/sys/windows"

	"github.com/un4ckn0wl3z/dioprocess/pkg/vmem"
)

// LoaderCall injects by allocating the DLL path in the target and running
// LoadLibraryW on it from a new remote thread. The loud, simple baseline.
type LoaderCall struct {
	hProcess  uintptr
	hThread   uintptr
	pathBuf   uintptr
	loader    uintptr
	pathBytes []byte
}

// NewLoaderCall returns a fresh single-attempt strategy value.
func NewLoaderCall() *LoaderCall { return &LoaderCall{} }

func (s *LoaderCall) Name() string { return "loadercall" }

func (s *LoaderCall) Validate(req *Request) error {
	if err := validatePath(req); err != nil {
		return err
	}
	b, err := utf16Bytes(req.DLLPath)
	if err != nil {
		return err
	}
	s.pathBytes = b
	return nil
}

func (s *LoaderCall) Open(req *Request) error {
	h, err := windows.OpenProcess(targetAccess, false, req.PID)
	if err != nil {
		return failf(KindOpenFailure, "OpenProcess(%d): %v", req.PID, err)
	}
	s.hProcess = uintptr(h)
	return nil
}

func (s *LoaderCall) Stage(req *Request) error {
	addr, err := allocRemote(s.hProcess, uintptr(len(s.pathBytes)), uintptr(vmem.PageReadWrite))
	if err != nil {
		return err
	}
	s.pathBuf = addr
	return writeRemote(s.hProcess, s.pathBuf, s.pathBytes)
}

func (s *LoaderCall) Trigger(req *Request) error {
	loader, err := loaderAddress()
	if err != nil {
		return err
	}
	s.loader = loader
	hThread, err := startRemoteThread(s.hProcess, loader, s.pathBuf)
	if err != nil {
		return err
	}
	s.hThread = hThread
	return nil
}

func (s *LoaderCall) Await(req *Request) error {
	return awaitThread(s.hThread, awaitMillisFor(req))
}

// Cleanup releases thread handle, path buffer and process handle in that
// order on every exit path.
func (s *LoaderCall) Cleanup(reached State) {
	closeHandle(s.hThread)
	if s.pathBuf != 0 {
		freeRemote(s.hProcess, s.pathBuf)
	}
	closeHandle(s.hProcess)
}

func (s *LoaderCall) Result() Result {
	return Result{Strategy: s.Name()}
}
