//go:build windows

package inject

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/un4ckn0wl3z/dioprocess/pkg/snapshot"
	"github.com/un4ckn0wl3z/dioprocess/pkg/vmem"
)

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procGetThreadContext = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext = modkernel32.NewProc("SetThreadContext")
	procSuspendThread    = modkernel32.NewProc("SuspendThread")
)

const contextFull = 0x10007 // CONTEXT_CONTROL | CONTEXT_INTEGER | CONTEXT_SEGMENTS

// context is the x64 CONTEXT record.
type context struct {
	P1Home               uint64
	P2Home               uint64
	P3Home               uint64
	P4Home               uint64
	P5Home               uint64
	P6Home               uint64
	ContextFlags         uint32
	MxCsr                uint32
	SegCs                uint16
	SegDs                uint16
	SegEs                uint16
	SegFs                uint16
	SegGs                uint16
	SegSs                uint16
	EFlags               uint32
	Dr0                  uint64
	Dr1                  uint64
	Dr2                  uint64
	Dr3                  uint64
	Dr6                  uint64
	Dr7                  uint64
	Rax                  uint64
	Rcx                  uint64
	Rdx                  uint64
	Rbx                  uint64
	Rsp                  uint64
	Rbp                  uint64
	Rsi                  uint64
	Rdi                  uint64
	R8                   uint64
	R9                   uint64
	R10                  uint64
	R11                  uint64
	R12                  uint64
	R13                  uint64
	R14                  uint64
	R15                  uint64
	Rip                  uint64
	FltSave              [512]byte
	VectorRegister       [26][16]byte
	VectorControl        uint64
	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// ThreadHijack injects without creating a thread: it suspends one of the
// target's threads, points its instruction pointer at register-preserving
// shellcode that calls the loader, and resumes it. Completion cannot be
// observed, and the staged allocation is intentionally never freed since
// the hijacked thread may still be executing from it at any later time.
type ThreadHijack struct {
	hProcess  uintptr
	hThread   windows.Handle
	tid       uint32
	suspended bool
	resumed   bool
	ctx       context
	stage     uintptr
	stageSize uintptr
	codeAddr  uintptr
	pathBytes []byte
}

// NewThreadHijack returns a fresh single-attempt strategy value.
func NewThreadHijack() *ThreadHijack { return &ThreadHijack{} }

func (s *ThreadHijack) Name() string { return "hijack" }

func (s *ThreadHijack) Validate(req *Request) error {
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

func (s *ThreadHijack) Open(req *Request) error {
	threads, err := snapshot.Threads(req.PID)
	if err != nil {
		return failf(KindOpenFailure, "thread enumeration for pid %d: %v", req.PID, err)
	}
	if len(threads) == 0 {
		return failf(KindNotFound, "pid %d has no threads", req.PID)
	}
	s.tid = threads[0].TID

	h, err := windows.OpenProcess(targetAccess, false, req.PID)
	if err != nil {
		return failf(KindOpenFailure, "OpenProcess(%d): %v", req.PID, err)
	}
	s.hProcess = uintptr(h)

	ht, err := windows.OpenThread(
		windows.THREAD_GET_CONTEXT|windows.THREAD_SET_CONTEXT|windows.THREAD_SUSPEND_RESUME,
		false, s.tid)
	if err != nil {
		return failf(KindOpenFailure, "OpenThread(%d): %v", s.tid, err)
	}
	s.hThread = ht
	return nil
}

func (s *ThreadHijack) Stage(req *Request) error {
	if prev, _, serr := procSuspendThread.Call(uintptr(s.hThread)); uint32(prev) == 0xFFFFFFFF {
		return failf(KindTriggerFailure, "SuspendThread(%d): %v", s.tid, serr)
	}
	s.suspended = true

	s.ctx.ContextFlags = contextFull
	r, _, err := procGetThreadContext.Call(uintptr(s.hThread), uintptr(unsafe.Pointer(&s.ctx)))
	if r == 0 {
		return failf(KindTriggerFailure, "GetThreadContext(%d): %v", s.tid, err)
	}

	loader, err2 := loaderAddress()
	if err2 != nil {
		return err2
	}

	// One allocation holds [UTF-16 path][shellcode], code 16-aligned.
	codeOff := (uintptr(len(s.pathBytes)) + 15) &^ 15
	sc := hijackShellcode()
	s.stageSize = codeOff + uintptr(sc.len())

	addr, err2 := allocRemote(s.hProcess, s.stageSize, uintptr(vmem.PageExecuteReadWrite))
	if err2 != nil {
		return err2
	}
	s.stage = addr
	s.codeAddr = addr + codeOff

	sc.patch("path", uint64(addr))
	sc.patch("loader", uint64(loader))
	sc.patch("resume", s.ctx.Rip)

	if err := writeRemote(s.hProcess, addr, s.pathBytes); err != nil {
		return err
	}
	return writeRemote(s.hProcess, s.codeAddr, sc.bytes())
}

func (s *ThreadHijack) Trigger(req *Request) error {
	s.ctx.Rip = uint64(s.codeAddr)
	r, _, err := procSetThreadContext.Call(uintptr(s.hThread), uintptr(unsafe.Pointer(&s.ctx)))
	if r == 0 {
		return failf(KindTriggerFailure, "SetThreadContext(%d): %v", s.tid, err)
	}
	if prev, rerr := windows.ResumeThread(s.hThread); prev == 0xFFFFFFFF {
		return failf(KindTriggerFailure, "ResumeThread(%d): %v", s.tid, rerr)
	}
	s.resumed = true
	return nil
}

// Await is a no-op: with no thread of our own there is nothing to wait
// on.
func (s *ThreadHijack) Await(req *Request) error { return nil }

// Cleanup closes handles and, if the attempt died between suspend and
// trigger, resumes the victim thread with its context untouched. The
// staged allocation is kept: see the type comment.
func (s *ThreadHijack) Cleanup(reached State) {
	if s.suspended && !s.resumed {
		windows.ResumeThread(s.hThread)
	}
	if s.hThread != 0 {
		windows.CloseHandle(s.hThread)
	}
	closeHandle(s.hProcess)
}

func (s *ThreadHijack) Result() Result {
	return Result{
		Strategy:     s.Name(),
		RetainedBase: s.stage,
		RetainedSize: s.stageSize,
	}
}
