//go:build windows

package inject

import (
	"encoding/binary"
	"os"
	"strings"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"

	"github.com/un4ckn0wl3z/dioprocess/pkg/vmem"
	"github.com/un4ckn0wl3z/dioprocess/pkg/winpe"
)

const (
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

// ManualMap maps a PE32+ DLL into the target without the OS loader: the
// image is assembled locally (headers, sections, relocations, resolved
// imports), written in one transfer, and attached through a short-lived
// stub thread. Imports are resolved against modules mapped in the local
// process, which holds for core system libraries sharing a base across
// processes; arbitrary dependencies not loaded in the target are a known
// limitation. Only the stub is freed afterwards: the image itself stays
// resident, which is the point of mapping it.
type ManualMap struct {
	hProcess  uintptr
	hThread   uintptr
	fileBytes []byte
	file      *winpe.Image
	local     []byte
	remote    uintptr
	imageSize uintptr
	stub      uintptr
	entry     uintptr
}

// NewManualMap returns a fresh single-attempt strategy value.
func NewManualMap() *ManualMap { return &ManualMap{} }

func (s *ManualMap) Name() string { return "manualmap" }

// Validate reads and parses the DLL. A structurally bad image fails here,
// before anything is opened or allocated in the target.
func (s *ManualMap) Validate(req *Request) error {
	if err := validatePath(req); err != nil {
		return err
	}
	data, err := os.ReadFile(req.DLLPath)
	if err != nil {
		return failf(KindNotFound, "read %s: %v", req.DLLPath, err)
	}
	img, err := winpe.Parse(data, winpe.FileLayout)
	if err != nil {
		return failf(KindMalformedInput, "parse %s: %v", req.DLLPath, err)
	}
	if !img.Is64 {
		return failf(KindMalformedInput, "%s is PE32; only 64-bit images can be mapped", req.DLLPath)
	}
	s.fileBytes = data
	s.file = img
	s.imageSize = uintptr(img.SizeOfImage)
	return nil
}

func (s *ManualMap) Open(req *Request) error {
	h, err := windows.OpenProcess(targetAccess, false, req.PID)
	if err != nil {
		return failf(KindOpenFailure, "OpenProcess(%d): %v", req.PID, err)
	}
	s.hProcess = uintptr(h)
	return nil
}

func (s *ManualMap) Stage(req *Request) error {
	remote, err := allocRemoteAt(s.hProcess, uintptr(s.file.ImageBase), s.imageSize, uintptr(vmem.PageReadWrite))
	if err != nil {
		return err
	}
	s.remote = remote

	if err := s.buildLocalImage(); err != nil {
		return err
	}
	delta := int64(remote) - int64(s.file.ImageBase)
	if delta != 0 {
		mapped, err := winpe.Parse(s.local, winpe.MappedLayout)
		if err != nil {
			return failf(KindMalformedInput, "reparse built image: %v", err)
		}
		if err := mapped.ApplyRelocations(s.local, delta); err != nil {
			return failf(KindMalformedInput, "relocate for base 0x%X: %v", remote, err)
		}
	}
	if err := s.resolveImports(); err != nil {
		return err
	}
	if err := writeRemote(s.hProcess, remote, s.local); err != nil {
		return err
	}
	return s.protectSections()
}

// buildLocalImage lays the file out at its virtual addresses.
func (s *ManualMap) buildLocalImage() error {
	if uintptr(s.file.SizeOfHeaders) > s.imageSize || int(s.file.SizeOfHeaders) > len(s.fileBytes) {
		return failf(KindMalformedInput, "headers (%d bytes) exceed image or file size", s.file.SizeOfHeaders)
	}
	s.local = make([]byte, s.imageSize)
	copy(s.local, s.fileBytes[:s.file.SizeOfHeaders])
	for _, sec := range s.file.Sections {
		if sec.SizeOfRawData == 0 {
			continue
		}
		srcEnd := uint64(sec.PointerToRaw) + uint64(sec.SizeOfRawData)
		dstEnd := uint64(sec.VirtualAddress) + uint64(sec.SizeOfRawData)
		if srcEnd > uint64(len(s.fileBytes)) || dstEnd > uint64(len(s.local)) {
			return failf(KindMalformedInput, "section %s raw data out of range", sec.Name)
		}
		copy(s.local[sec.VirtualAddress:dstEnd], s.fileBytes[sec.PointerToRaw:srcEnd])
	}
	return nil
}

// resolveImports fills each IAT slot in the local buffer with the
// function address resolved in the local process.
func (s *ManualMap) resolveImports() error {
	mods, err := s.file.Imports()
	if err != nil {
		return failf(KindMalformedInput, "import walk: %v", err)
	}
	for _, mod := range mods {
		base := api.GetModuleBase(api.GetHash(mod.DLL))
		if base == 0 {
			base = api.LoadLibraryW(mod.DLL)
		}
		if base == 0 {
			return failf(KindSymbolResolution, "dependency %s not resolvable locally", mod.DLL)
		}
		slot := uint64(mod.FirstThunk)
		for _, sym := range mod.Symbols {
			var addr uintptr
			if sym.ByOrd {
				addr, _ = api.Call("kernel32.dll", "GetProcAddress", base, uintptr(sym.Ordinal))
			} else {
				addr = api.GetFunctionAddress(base, api.GetHash(sym.Name))
			}
			if addr == 0 {
				name := sym.Name
				if sym.ByOrd {
					name = "#" + itoa(sym.Ordinal)
				}
				return failf(KindSymbolResolution, "%s!%s not found", mod.DLL, name)
			}
			if slot+8 > uint64(len(s.local)) {
				return failf(KindMalformedInput, "IAT slot 0x%X out of range", slot)
			}
			binary.LittleEndian.PutUint64(s.local[slot:], uint64(addr))
			slot += 8
		}
	}
	return nil
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var b strings.Builder
	var digits [5]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = '0' + byte(v%10)
		v /= 10
	}
	b.Write(digits[i:])
	return b.String()
}

// protectSections drops the RW mapping to per-section protections.
func (s *ManualMap) protectSections() error {
	base := s.remote
	size := uintptr(s.file.SizeOfHeaders)
	var oldProt uintptr
	status, err := api.NtProtectVirtualMemory(s.hProcess, &base, &size, uintptr(vmem.PageReadOnly), &oldProt)
	if status != 0 {
		return failf(KindTransferFailure, "protect headers: status=0x%X err=%v", status, err)
	}
	for _, sec := range s.file.Sections {
		if sec.VirtualSize == 0 {
			continue
		}
		prot := uintptr(vmem.PageReadOnly)
		switch {
		case sec.Characteristics&scnMemWrite != 0:
			prot = vmem.PageReadWrite
		case sec.Characteristics&scnMemExecute != 0:
			prot = vmem.PageExecuteRead
		case sec.Characteristics&scnMemRead != 0:
			prot = vmem.PageReadOnly
		}
		sb := s.remote + uintptr(sec.VirtualAddress)
		ss := uintptr(sec.VirtualSize)
		status, err = api.NtProtectVirtualMemory(s.hProcess, &sb, &ss, prot, &oldProt)
		if status != 0 {
			return failf(KindTransferFailure, "protect %s: status=0x%X err=%v", sec.Name, status, err)
		}
	}
	return nil
}

// Trigger runs DllMain(base, DLL_PROCESS_ATTACH, NULL) through a small
// stub in its own allocation.
func (s *ManualMap) Trigger(req *Request) error {
	if s.file.EntryPoint == 0 {
		// Data-only image: mapped, nothing to call.
		return nil
	}
	s.entry = s.remote + uintptr(s.file.EntryPoint)
	stub := attachStub()
	stub.patch("module", uint64(s.remote))
	stub.patch("entry", uint64(s.entry))

	addr, err := allocRemote(s.hProcess, uintptr(stub.len()), uintptr(vmem.PageExecuteReadWrite))
	if err != nil {
		return err
	}
	s.stub = addr
	if err := writeRemote(s.hProcess, addr, stub.bytes()); err != nil {
		return err
	}
	hThread, err := startRemoteThread(s.hProcess, addr, 0)
	if err != nil {
		return err
	}
	s.hThread = hThread
	return nil
}

func (s *ManualMap) Await(req *Request) error {
	if s.hThread == 0 {
		return nil
	}
	return awaitThread(s.hThread, awaitMillisFor(req))
}

// Cleanup frees only the attach stub. The mapped image must stay
// resident for the injected code to keep running.
func (s *ManualMap) Cleanup(reached State) {
	closeHandle(s.hThread)
	if s.stub != 0 {
		freeRemote(s.hProcess, s.stub)
	}
	closeHandle(s.hProcess)
}

func (s *ManualMap) Result() Result {
	return Result{
		Strategy:     s.Name(),
		ImageBase:    s.remote,
		RetainedBase: s.remote,
		RetainedSize: s.imageSize,
	}
}
