package winpe

import (
	"encoding/binary"
	"fmt"
)

// Relocation types this loader knows how to apply.
const (
	RelocAbsolute = 0  // padding entry, skipped
	RelocHighLow  = 3  // 32-bit delta
	RelocDir64    = 10 // 64-bit delta
)

// Reloc is one relocation entry resolved to a full RVA.
type Reloc struct {
	RVA  uint32
	Type uint8
}

// Relocations walks the base relocation directory. Images without one
// return an empty slice. Blocks are (PageRVA u32, BlockSize u32) followed
// by u16 entries: type in the top nibble, page offset in the low 12 bits.
func (img *Image) Relocations() ([]Reloc, error) {
	dir, err := img.Directory(DirEntryBaseReloc)
	if err != nil {
		return nil, err
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	blockOff, err := img.RVAToOffset(dir.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("relocation directory: %w", err)
	}

	var out []Reloc
	processed := uint32(0)
	for processed < dir.Size {
		pageRVA, err := img.u32(blockOff + processed)
		if err != nil {
			return nil, err
		}
		blockSize, err := img.u32(blockOff + processed + 4)
		if err != nil {
			return nil, err
		}
		if blockSize < 8 {
			break
		}
		if uint64(blockOff)+uint64(processed)+uint64(blockSize) > uint64(len(img.data)) {
			return nil, fmt.Errorf("%w: relocation block at 0x%X past end", ErrMalformed, blockOff+processed)
		}
		count := (blockSize - 8) / 2
		for i := uint32(0); i < count; i++ {
			e, err := img.u16(blockOff + processed + 8 + i*2)
			if err != nil {
				return nil, err
			}
			typ := uint8(e >> 12)
			if typ == RelocAbsolute {
				continue
			}
			out = append(out, Reloc{RVA: pageRVA + uint32(e&0xFFF), Type: typ})
		}
		processed += blockSize
	}
	return out, nil
}

// ApplyRelocations patches buf in place for a load at preferred base plus
// delta. buf must hold the image in the same layout the Image was parsed
// with. A zero delta leaves buf untouched. Relocation types this loader
// does not know are skipped, so images using newer types still map.
func (img *Image) ApplyRelocations(buf []byte, delta int64) error {
	if delta == 0 {
		return nil
	}
	relocs, err := img.Relocations()
	if err != nil {
		return err
	}
	for _, r := range relocs {
		if r.Type != RelocHighLow && r.Type != RelocDir64 {
			continue
		}
		off, err := img.RVAToOffset(r.RVA)
		if err != nil {
			return fmt.Errorf("relocation target: %w", err)
		}
		switch r.Type {
		case RelocHighLow:
			if uint64(off)+4 > uint64(len(buf)) {
				return fmt.Errorf("%w: HIGHLOW relocation at 0x%X past end", ErrMalformed, off)
			}
			v := binary.LittleEndian.Uint32(buf[off:])
			binary.LittleEndian.PutUint32(buf[off:], uint32(int64(v)+delta))
		case RelocDir64:
			if uint64(off)+8 > uint64(len(buf)) {
				return fmt.Errorf("%w: DIR64 relocation at 0x%X past end", ErrMalformed, off)
			}
			v := binary.LittleEndian.Uint64(buf[off:])
			binary.LittleEndian.PutUint64(buf[off:], uint64(int64(v)+delta))
		}
	}
	return nil
}
