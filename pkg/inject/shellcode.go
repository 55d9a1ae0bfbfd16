package inject

import (
	"encoding/binary"
	"fmt"
)

// builder assembles x64 machine code byte by byte. Immediate operands
// that are unknown at build time get named patch points and are filled
// in later, so the code layout stays declared in one place.
type builder struct {
	buf     []byte
	patches map[string]int
}

func newBuilder() *builder {
	return &builder{patches: make(map[string]int)}
}

// raw appends literal opcode bytes.
func (b *builder) raw(code ...byte) *builder {
	b.buf = append(b.buf, code...)
	return b
}

// imm64 appends an 8-byte little-endian immediate and records its offset
// under name for later patching.
func (b *builder) imm64(name string, v uint64) *builder {
	b.patches[name] = len(b.buf)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// patch rewrites a named immediate in place.
func (b *builder) patch(name string, v uint64) error {
	off, ok := b.patches[name]
	if !ok {
		return fmt.Errorf("no patch point %q", name)
	}
	binary.LittleEndian.PutUint64(b.buf[off:], v)
	return nil
}

func (b *builder) offset(name string) (int, bool) {
	off, ok := b.patches[name]
	return off, ok
}

func (b *builder) bytes() []byte { return b.buf }
func (b *builder) len() int      { return len(b.buf) }

// hijackShellcode builds the thread-hijack payload: call the loader with
// the staged path, leave every register and the flags exactly as found,
// then return to the interrupted instruction. The resume address goes
// through the stack so no register stays consumed.
//
// Patch points: "path" (UTF-16 path address), "loader" (LoadLibraryW
// address), "resume" (the captured RIP).
func hijackShellcode() *builder {
	b := newBuilder()
	b.raw(0x9C)                          // pushfq
	b.raw(0x50)                          // push rax
	b.raw(0x51)                          // push rcx
	b.raw(0x52)                          // push rdx
	b.raw(0x41, 0x50)                    // push r8
	b.raw(0x41, 0x51)                    // push r9
	b.raw(0x41, 0x52)                    // push r10
	b.raw(0x41, 0x53)                    // push r11
	b.raw(0x48, 0xB9).imm64("path", 0)   // mov rcx, path
	b.raw(0x48, 0xB8).imm64("loader", 0) // mov rax, LoadLibraryW
	b.raw(0x55)                          // push rbp
	b.raw(0x48, 0x89, 0xE5)              // mov rbp, rsp
	b.raw(0x48, 0x83, 0xE4, 0xF0)        // and rsp, -16
	b.raw(0x48, 0x83, 0xEC, 0x20)        // sub rsp, 0x20 (shadow space)
	b.raw(0xFF, 0xD0)                    // call rax
	b.raw(0x48, 0x89, 0xEC)              // mov rsp, rbp
	b.raw(0x5D)                          // pop rbp
	b.raw(0x41, 0x5B)                    // pop r11
	b.raw(0x41, 0x5A)                    // pop r10
	b.raw(0x41, 0x59)                    // pop r9
	b.raw(0x41, 0x58)                    // pop r8
	b.raw(0x5A)                          // pop rdx
	b.raw(0x59)                          // pop rcx
	b.raw(0x58)                          // pop rax
	b.raw(0x9D)                          // popfq
	// Return through the stack: reserve a slot, store the resume address
	// into it with rax, restore rax, ret pops into RIP.
	b.raw(0x50)                          // push rax (return slot)
	b.raw(0x50)                          // push rax (save rax)
	b.raw(0x48, 0xB8).imm64("resume", 0) // mov rax, resume
	b.raw(0x48, 0x89, 0x44, 0x24, 0x08)  // mov [rsp+8], rax
	b.raw(0x58)                          // pop rax
	b.raw(0xC3)                          // ret
	return b
}

// attachStub builds the DllMain attach call for a manually mapped image:
// target(base, DLL_PROCESS_ATTACH, NULL) with shadow space, then return
// so the carrier thread exits cleanly.
//
// Patch points: "module" (remote image base), "entry" (entry point VA).
func attachStub() *builder {
	b := newBuilder()
	b.raw(0x48, 0xB9).imm64("module", 0) // mov rcx, base
	b.raw(0xBA, 0x01, 0x00, 0x00, 0x00)  // mov edx, 1
	b.raw(0x45, 0x31, 0xC0)              // xor r8d, r8d
	b.raw(0x48, 0xB8).imm64("entry", 0)  // mov rax, entry
	b.raw(0x48, 0x83, 0xEC, 0x28)        // sub rsp, 0x28
	b.raw(0xFF, 0xD0)                    // call rax
	b.raw(0x48, 0x83, 0xC4, 0x28)        // add rsp, 0x28
	b.raw(0xC3)                          // ret
	return b
}
