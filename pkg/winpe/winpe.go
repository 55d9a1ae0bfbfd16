// Package winpe parses PE32+ and PE32 images from caller-supplied buffers.
// Every field is read through bounds-checked little-endian accessors at
// explicit byte offsets, so a hostile or truncated image can never index
// outside the buffer.
package winpe

import (
	"errors"
	"fmt"
)

// ErrMalformed wraps every structural failure in an image.
var ErrMalformed = errors.New("malformed PE image")

// Mode selects how RVAs are translated against the buffer.
type Mode int

const (
	// FileLayout treats the buffer as an on-disk image; RVAs are mapped
	// to file offsets through the section table.
	FileLayout Mode = iota
	// MappedLayout treats the buffer as an already-mapped image; RVAs
	// index the buffer directly.
	MappedLayout
)

const (
	dosMagic = 0x5A4D // "MZ"
	peMagic  = 0x4550 // "PE\0\0"

	optMagicPE32Plus = 0x20B
	optMagicPE32     = 0x10B

	sectionHeaderSize    = 40
	importDescriptorSize = 20

	// Data directory indices.
	DirEntryExport    = 0
	DirEntryImport    = 1
	DirEntryBaseReloc = 5
)

// Section is one row of the section table.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	SizeOfRawData   uint32
	PointerToRaw    uint32
	Characteristics uint32
}

// DataDirectory is one optional-header directory entry.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// Image is a parsed PE image over a caller-owned buffer. Both PE32+ and
// PE32 parse for inspection; Is64 tells them apart. The buffer is never
// copied; callers must not mutate it while the Image is in use.
type Image struct {
	data []byte
	mode Mode

	peOffset  uint32
	optOffset uint32
	optSize   uint16
	dirOffset uint32

	Machine           uint16
	NumberOfSections  uint16
	Is64              bool
	ImageBase         uint64
	SizeOfImage       uint32
	SizeOfHeaders     uint32
	EntryPoint        uint32
	NumberOfRvaAndSiz uint32

	Sections []Section
}

func (img *Image) u8(off uint32) (byte, error) {
	if uint64(off) >= uint64(len(img.data)) {
		return 0, fmt.Errorf("%w: byte read at 0x%X past end (len=%d)", ErrMalformed, off, len(img.data))
	}
	return img.data[off], nil
}

func (img *Image) u16(off uint32) (uint16, error) {
	if uint64(off)+2 > uint64(len(img.data)) {
		return 0, fmt.Errorf("%w: u16 read at 0x%X past end (len=%d)", ErrMalformed, off, len(img.data))
	}
	return uint16(img.data[off]) | uint16(img.data[off+1])<<8, nil
}

func (img *Image) u32(off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(img.data)) {
		return 0, fmt.Errorf("%w: u32 read at 0x%X past end (len=%d)", ErrMalformed, off, len(img.data))
	}
	return uint32(img.data[off]) | uint32(img.data[off+1])<<8 |
		uint32(img.data[off+2])<<16 | uint32(img.data[off+3])<<24, nil
}

func (img *Image) u64(off uint32) (uint64, error) {
	lo, err := img.u32(off)
	if err != nil {
		return 0, err
	}
	hi, err := img.u32(off + 4)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// cstring reads a NUL-terminated ASCII string starting at off.
func (img *Image) cstring(off uint32) (string, error) {
	if uint64(off) >= uint64(len(img.data)) {
		return "", fmt.Errorf("%w: string at 0x%X past end", ErrMalformed, off)
	}
	end := off
	for end < uint32(len(img.data)) && img.data[end] != 0 {
		end++
	}
	if end == uint32(len(img.data)) {
		return "", fmt.Errorf("%w: unterminated string at 0x%X", ErrMalformed, off)
	}
	return string(img.data[off:end]), nil
}

// Parse validates the headers of a PE32+ or PE32 image and loads the
// section table.
// mode controls RVA translation for all later walks.
func Parse(data []byte, mode Mode) (*Image, error) {
	img := &Image{data: data, mode: mode}
	if len(data) < 64 {
		return nil, fmt.Errorf("%w: %d bytes is smaller than a DOS header", ErrMalformed, len(data))
	}
	mz, _ := img.u16(0)
	if mz != dosMagic {
		return nil, fmt.Errorf("%w: bad DOS magic 0x%X", ErrMalformed, mz)
	}
	eLfanew, _ := img.u32(0x3C)
	if eLfanew < 64 || uint64(eLfanew)+24 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: e_lfanew 0x%X out of range", ErrMalformed, eLfanew)
	}
	img.peOffset = eLfanew

	sig, err := img.u32(eLfanew)
	if err != nil {
		return nil, err
	}
	if sig != peMagic {
		return nil, fmt.Errorf("%w: bad PE signature 0x%X", ErrMalformed, sig)
	}

	// COFF header, 20 bytes after the signature.
	coff := eLfanew + 4
	img.Machine, _ = img.u16(coff)
	img.NumberOfSections, _ = img.u16(coff + 2)
	img.optSize, _ = img.u16(coff + 16)

	img.optOffset = coff + 20
	magic, err := img.u16(img.optOffset)
	if err != nil {
		return nil, err
	}
	switch magic {
	case optMagicPE32Plus:
		img.Is64 = true
	case optMagicPE32:
		img.Is64 = false
	default:
		return nil, fmt.Errorf("%w: bad optional header magic 0x%X", ErrMalformed, magic)
	}

	if img.EntryPoint, err = img.u32(img.optOffset + 16); err != nil {
		return nil, err
	}
	// ImageBase is u64 at +24 for PE32+, u32 at +28 for PE32. The
	// directory count and table also shift with the header width.
	if img.Is64 {
		if img.ImageBase, err = img.u64(img.optOffset + 24); err != nil {
			return nil, err
		}
		img.dirOffset = img.optOffset + 112
	} else {
		base, berr := img.u32(img.optOffset + 28)
		if berr != nil {
			return nil, berr
		}
		img.ImageBase = uint64(base)
		img.dirOffset = img.optOffset + 96
	}
	if img.SizeOfImage, err = img.u32(img.optOffset + 56); err != nil {
		return nil, err
	}
	if img.SizeOfHeaders, err = img.u32(img.optOffset + 60); err != nil {
		return nil, err
	}
	if img.NumberOfRvaAndSiz, err = img.u32(img.dirOffset - 4); err != nil {
		return nil, err
	}

	if err := img.parseSections(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) parseSections() error {
	secOff := img.optOffset + uint32(img.optSize)
	n := uint32(img.NumberOfSections)
	if uint64(secOff)+uint64(n)*sectionHeaderSize > uint64(len(img.data)) {
		return fmt.Errorf("%w: section table (%d sections at 0x%X) past end", ErrMalformed, n, secOff)
	}
	img.Sections = make([]Section, 0, n)
	for i := uint32(0); i < n; i++ {
		off := secOff + i*sectionHeaderSize
		name := img.data[off : off+8]
		end := 0
		for end < 8 && name[end] != 0 {
			end++
		}
		var s Section
		s.Name = string(name[:end])
		s.VirtualSize, _ = img.u32(off + 8)
		s.VirtualAddress, _ = img.u32(off + 12)
		s.SizeOfRawData, _ = img.u32(off + 16)
		s.PointerToRaw, _ = img.u32(off + 20)
		s.Characteristics, _ = img.u32(off + 36)
		img.Sections = append(img.Sections, s)
	}
	return nil
}

// Directory returns data directory entry idx, bounds-checked against
// NumberOfRvaAndSizes. A missing entry is returned as the zero value.
func (img *Image) Directory(idx uint32) (DataDirectory, error) {
	if idx >= img.NumberOfRvaAndSiz {
		return DataDirectory{}, nil
	}
	off := img.dirOffset + idx*8
	va, err := img.u32(off)
	if err != nil {
		return DataDirectory{}, fmt.Errorf("%w: data directory %d out of range", ErrMalformed, idx)
	}
	size, err := img.u32(off + 4)
	if err != nil {
		return DataDirectory{}, fmt.Errorf("%w: data directory %d out of range", ErrMalformed, idx)
	}
	return DataDirectory{VirtualAddress: va, Size: size}, nil
}

// RVAToOffset translates an RVA to a buffer offset according to the parse
// mode. In FileLayout the section whose virtual range holds the RVA
// decides; RVAs below SizeOfHeaders map to themselves, anything else is
// malformed. In MappedLayout RVAs index directly.
func (img *Image) RVAToOffset(rva uint32) (uint32, error) {
	if img.mode == MappedLayout {
		if uint64(rva) >= uint64(len(img.data)) {
			return 0, fmt.Errorf("%w: RVA 0x%X past end of mapped buffer", ErrMalformed, rva)
		}
		return rva, nil
	}
	for _, s := range img.Sections {
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < s.VirtualSize {
			off := s.PointerToRaw + (rva - s.VirtualAddress)
			if uint64(off) >= uint64(len(img.data)) {
				return 0, fmt.Errorf("%w: RVA 0x%X maps past end (section %s)", ErrMalformed, rva, s.Name)
			}
			return off, nil
		}
	}
	if rva < img.SizeOfHeaders && uint64(rva) < uint64(len(img.data)) {
		return rva, nil
	}
	return 0, fmt.Errorf("%w: RVA 0x%X outside the headers and every section", ErrMalformed, rva)
}

// Len reports the size of the underlying buffer.
func (img *Image) Len() int { return len(img.data) }
