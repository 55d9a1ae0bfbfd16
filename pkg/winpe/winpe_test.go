package winpe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func put16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func put64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// testImage builds a minimal valid PE32+ with one .rdata section
// (VA 0x1000, raw size 0x200 at file offset 0x400) holding an import
// descriptor for KERNEL32.dll and one DIR64 relocation block.
func testImage(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 0x600)
	copy(b, "MZ")
	put32(b, 0x3C, 0x40)
	copy(b[0x40:], "PE\x00\x00")
	put16(b, 0x44, 0x8664) // machine amd64
	put16(b, 0x46, 1)      // one section
	put16(b, 0x54, 240)    // optional header size
	put16(b, 0x58, 0x20B)  // PE32+
	put32(b, 0x58+16, 0x1500)
	put64(b, 0x58+24, 0x180000000)
	put32(b, 0x58+56, 0x3000) // SizeOfImage
	put32(b, 0x58+60, 0x400)  // SizeOfHeaders
	put32(b, 0x58+108, 16)    // NumberOfRvaAndSizes

	sec := 0x58 + 240
	copy(b[sec:], ".rdata")
	put32(b, sec+8, 0x200)       // VirtualSize
	put32(b, sec+12, 0x1000)     // VirtualAddress
	put32(b, sec+16, 0x200)      // SizeOfRawData
	put32(b, sec+20, 0x400)      // PointerToRawData
	put32(b, sec+36, 0x40000040) // initialized data, readable

	// Import directory: one descriptor + terminator.
	put32(b, 0xD0, 0x1000)
	put32(b, 0xD4, 0x40)
	put32(b, 0x400, 0x1040)    // OriginalFirstThunk
	put32(b, 0x400+12, 0x1060) // Name
	put32(b, 0x400+16, 0x1050) // FirstThunk
	put64(b, 0x440, 0x1070)    // thunk: by name
	put64(b, 0x448, 0x8000000000000007)
	copy(b[0x460:], "KERNEL32.dll")
	put16(b, 0x470, 0x0102) // hint
	copy(b[0x472:], "LoadLibraryW")

	// Base relocation directory: one block, one DIR64 entry plus padding.
	put32(b, 0xF0, 0x1080)
	put32(b, 0xF4, 12)
	put32(b, 0x480, 0x1000) // PageAddress
	put32(b, 0x484, 12)     // BlockSize
	put16(b, 0x488, 10<<12|0xF0)
	put16(b, 0x48A, 0) // ABSOLUTE pad
	put64(b, 0x4F0, 0x180001234)
	return b
}

// testImage32 builds the PE32 counterpart of testImage: same .rdata
// section and import layout, 32-bit optional header and 4-byte thunks.
func testImage32(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 0x600)
	copy(b, "MZ")
	put32(b, 0x3C, 0x40)
	copy(b[0x40:], "PE\x00\x00")
	put16(b, 0x44, 0x14C) // machine i386
	put16(b, 0x46, 1)     // one section
	put16(b, 0x54, 224)   // optional header size
	put16(b, 0x58, 0x10B) // PE32
	put32(b, 0x58+16, 0x1500)
	put32(b, 0x58+28, 0x10000000) // ImageBase, u32
	put32(b, 0x58+56, 0x3000)     // SizeOfImage
	put32(b, 0x58+60, 0x400)      // SizeOfHeaders
	put32(b, 0x58+92, 16)         // NumberOfRvaAndSizes

	sec := 0x58 + 224
	copy(b[sec:], ".rdata")
	put32(b, sec+8, 0x200)       // VirtualSize
	put32(b, sec+12, 0x1000)     // VirtualAddress
	put32(b, sec+16, 0x200)      // SizeOfRawData
	put32(b, sec+20, 0x400)      // PointerToRawData
	put32(b, sec+36, 0x40000040) // initialized data, readable

	// Import directory: one descriptor + terminator.
	put32(b, 0xC0, 0x1000)
	put32(b, 0xC4, 0x40)
	put32(b, 0x400, 0x1040)    // OriginalFirstThunk
	put32(b, 0x400+12, 0x1060) // Name
	put32(b, 0x400+16, 0x1050) // FirstThunk
	put32(b, 0x440, 0x1070)    // thunk: by name
	put32(b, 0x444, 0x80000007)
	copy(b[0x460:], "KERNEL32.dll")
	put16(b, 0x470, 0x0102) // hint
	copy(b[0x472:], "LoadLibraryW")
	return b
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"empty", func(t *testing.T) []byte { return nil }},
		{"under 64 bytes", func(t *testing.T) []byte { return make([]byte, 63) }},
		{"bad DOS magic", func(t *testing.T) []byte {
			b := testImage(t)
			copy(b, "XX")
			return b
		}},
		{"e_lfanew past end", func(t *testing.T) []byte {
			b := testImage(t)
			put32(b, 0x3C, 0x10000)
			return b
		}},
		{"e_lfanew inside DOS header", func(t *testing.T) []byte {
			b := testImage(t)
			put32(b, 0x3C, 8)
			return b
		}},
		{"bad PE signature", func(t *testing.T) []byte {
			b := testImage(t)
			put32(b, 0x40, 0xDEAD)
			return b
		}},
		{"unknown optional magic", func(t *testing.T) []byte {
			b := testImage(t)
			put16(b, 0x58, 0x999)
			return b
		}},
		{"section table past end", func(t *testing.T) []byte {
			b := testImage(t)
			put16(b, 0x46, 200)
			return b
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data(t), FileLayout)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	img, err := Parse(testImage(t), FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	if img.Machine != 0x8664 {
		t.Errorf("machine = 0x%X", img.Machine)
	}
	if img.ImageBase != 0x180000000 {
		t.Errorf("image base = 0x%X", img.ImageBase)
	}
	if img.SizeOfImage != 0x3000 || img.SizeOfHeaders != 0x400 {
		t.Errorf("sizes = 0x%X / 0x%X", img.SizeOfImage, img.SizeOfHeaders)
	}
	if img.EntryPoint != 0x1500 {
		t.Errorf("entry = 0x%X", img.EntryPoint)
	}
	if len(img.Sections) != 1 || img.Sections[0].Name != ".rdata" {
		t.Fatalf("sections = %+v", img.Sections)
	}
}

func TestParseHeadersPE32(t *testing.T) {
	img, err := Parse(testImage32(t), FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	if img.Is64 {
		t.Error("PE32 image parsed as 64-bit")
	}
	if img.Machine != 0x14C {
		t.Errorf("machine = 0x%X", img.Machine)
	}
	if img.ImageBase != 0x10000000 {
		t.Errorf("image base = 0x%X", img.ImageBase)
	}
	if img.EntryPoint != 0x1500 {
		t.Errorf("entry = 0x%X", img.EntryPoint)
	}
	if img.NumberOfRvaAndSiz != 16 {
		t.Errorf("directories = %d", img.NumberOfRvaAndSiz)
	}
	if len(img.Sections) != 1 || img.Sections[0].Name != ".rdata" {
		t.Fatalf("sections = %+v", img.Sections)
	}
}

func TestImportsPE32(t *testing.T) {
	img, err := Parse(testImage32(t), FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	mods, err := img.Imports()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || mods[0].DLL != "KERNEL32.dll" {
		t.Fatalf("modules = %+v", mods)
	}
	syms := mods[0].Symbols
	if len(syms) != 2 {
		t.Fatalf("symbols = %+v", syms)
	}
	if syms[0].ByOrd || syms[0].Name != "LoadLibraryW" || syms[0].Hint != 0x0102 {
		t.Errorf("symbol 0 = %+v", syms[0])
	}
	if !syms[1].ByOrd || syms[1].Ordinal != 7 {
		t.Errorf("symbol 1 = %+v", syms[1])
	}
}

func TestRVAToOffset(t *testing.T) {
	img, err := Parse(testImage(t), FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	off, err := img.RVAToOffset(0x1010)
	if err != nil || off != 0x410 {
		t.Errorf("file layout: off=0x%X err=%v", off, err)
	}
	// Header bytes sit at their file offsets before any section begins.
	off, err = img.RVAToOffset(0x80)
	if err != nil || off != 0x80 {
		t.Errorf("header RVA: off=0x%X err=%v", off, err)
	}
	// Past the headers but inside no section is unmapped even though the
	// raw buffer is big enough to index.
	if _, err := img.RVAToOffset(0x500); !errors.Is(err, ErrMalformed) {
		t.Errorf("unmapped RVA: err=%v", err)
	}
	if _, err := img.RVAToOffset(0x20000); !errors.Is(err, ErrMalformed) {
		t.Errorf("out-of-range RVA: err=%v", err)
	}

	mapped, err := Parse(testImage(t), MappedLayout)
	if err != nil {
		t.Fatal(err)
	}
	off, err = mapped.RVAToOffset(0x123)
	if err != nil || off != 0x123 {
		t.Errorf("mapped layout: off=0x%X err=%v", off, err)
	}
}

func TestImports(t *testing.T) {
	img, err := Parse(testImage(t), FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	mods, err := img.Imports()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 {
		t.Fatalf("modules = %d", len(mods))
	}
	m := mods[0]
	if m.DLL != "KERNEL32.dll" {
		t.Errorf("dll = %q", m.DLL)
	}
	if len(m.Symbols) != 2 {
		t.Fatalf("symbols = %+v", m.Symbols)
	}
	if m.Symbols[0].ByOrd || m.Symbols[0].Name != "LoadLibraryW" || m.Symbols[0].Hint != 0x0102 {
		t.Errorf("symbol 0 = %+v", m.Symbols[0])
	}
	if !m.Symbols[1].ByOrd || m.Symbols[1].Ordinal != 7 {
		t.Errorf("symbol 1 = %+v", m.Symbols[1])
	}
}

func TestImportsTruncatedDescriptor(t *testing.T) {
	b := testImage(t)
	put32(b, 0xD0, 0x11F8) // descriptor straddles end of section data
	img, err := Parse(b, FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Imports(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestRelocations(t *testing.T) {
	img, err := Parse(testImage(t), FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	relocs, err := img.Relocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(relocs) != 1 {
		t.Fatalf("relocs = %+v", relocs)
	}
	if relocs[0].RVA != 0x10F0 || relocs[0].Type != RelocDir64 {
		t.Errorf("reloc = %+v", relocs[0])
	}
}

func TestApplyRelocationsZeroDelta(t *testing.T) {
	buf := testImage(t)
	orig := make([]byte, len(buf))
	copy(orig, buf)
	img, err := Parse(buf, FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.ApplyRelocations(buf, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, orig) {
		t.Fatal("zero delta mutated the buffer")
	}
}

func TestApplyRelocationsDelta(t *testing.T) {
	buf := testImage(t)
	img, err := Parse(buf, FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.ApplyRelocations(buf, 0x10000); err != nil {
		t.Fatal(err)
	}
	got := binary.LittleEndian.Uint64(buf[0x4F0:])
	if got != 0x180011234 {
		t.Errorf("patched value = 0x%X", got)
	}
	if err := img.ApplyRelocations(buf, -0x10000); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint64(buf[0x4F0:]) != 0x180001234 {
		t.Error("negative delta did not restore original value")
	}
}

func TestApplyRelocationsSkipsUnknownTypes(t *testing.T) {
	buf := testImage(t)
	// Grow the block to hold a HIGH (type 1) entry whose target would not
	// even translate; it must be skipped without being resolved.
	put32(buf, 0xF4, 16)
	put32(buf, 0x484, 16)
	put16(buf, 0x48A, 1<<12|0xFFF)
	img, err := Parse(buf, FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.ApplyRelocations(buf, 0x10000); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(buf[0x4F0:]); got != 0x180011234 {
		t.Errorf("DIR64 entry not patched past the unknown type: 0x%X", got)
	}
}

func TestNoDirectories(t *testing.T) {
	b := testImage(t)
	put32(b, 0xD0, 0)
	put32(b, 0xD4, 0)
	put32(b, 0xF0, 0)
	put32(b, 0xF4, 0)
	img, err := Parse(b, FileLayout)
	if err != nil {
		t.Fatal(err)
	}
	mods, err := img.Imports()
	if err != nil || mods != nil {
		t.Errorf("imports = %v, %v", mods, err)
	}
	relocs, err := img.Relocations()
	if err != nil || relocs != nil {
		t.Errorf("relocs = %v, %v", relocs, err)
	}
}
