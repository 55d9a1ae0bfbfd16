package winpe

import "fmt"

// Import is one imported symbol: either a name (with loader hint) or an
// ordinal when the high bit of the thunk was set.
type Import struct {
	Name    string
	Hint    uint16
	Ordinal uint16
	ByOrd   bool
}

// ImportedModule is one import descriptor with its resolved symbol list.
type ImportedModule struct {
	DLL               string
	OriginalFirstThnk uint32
	FirstThunk        uint32
	Symbols           []Import
}

// Imports walks the import directory. Images without one return an empty
// slice. The walk stops at the all-zero terminator descriptor; descriptors
// or thunks running past the buffer are malformed.
func (img *Image) Imports() ([]ImportedModule, error) {
	dir, err := img.Directory(DirEntryImport)
	if err != nil {
		return nil, err
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	descOff, err := img.RVAToOffset(dir.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("import directory: %w", err)
	}

	var mods []ImportedModule
	for {
		if uint64(descOff)+importDescriptorSize > uint64(len(img.data)) {
			return nil, fmt.Errorf("%w: import descriptor at 0x%X past end", ErrMalformed, descOff)
		}
		oft, _ := img.u32(descOff)
		nameRVA, _ := img.u32(descOff + 12)
		ft, _ := img.u32(descOff + 16)
		if oft == 0 && nameRVA == 0 && ft == 0 {
			break
		}
		if nameRVA == 0 {
			return nil, fmt.Errorf("%w: import descriptor at 0x%X has no name", ErrMalformed, descOff)
		}
		nameOff, err := img.RVAToOffset(nameRVA)
		if err != nil {
			return nil, fmt.Errorf("import DLL name: %w", err)
		}
		dll, err := img.cstring(nameOff)
		if err != nil {
			return nil, err
		}

		mod := ImportedModule{DLL: dll, OriginalFirstThnk: oft, FirstThunk: ft}
		thunkRVA := oft
		if thunkRVA == 0 {
			thunkRVA = ft
		}
		if err := img.walkThunks(thunkRVA, &mod); err != nil {
			return nil, fmt.Errorf("imports of %s: %w", dll, err)
		}
		mods = append(mods, mod)
		descOff += importDescriptorSize
	}
	return mods, nil
}

// walkThunks reads the thunk array: 64-bit entries for PE32+, 32-bit for
// PE32, ordinal flag in the top bit of either width.
func (img *Image) walkThunks(thunkRVA uint32, mod *ImportedModule) error {
	off, err := img.RVAToOffset(thunkRVA)
	if err != nil {
		return err
	}
	width := uint32(8)
	ordinalBit := uint64(1) << 63
	if !img.Is64 {
		width = 4
		ordinalBit = 1 << 31
	}
	for {
		var thunk uint64
		if img.Is64 {
			thunk, err = img.u64(off)
		} else {
			var t32 uint32
			t32, err = img.u32(off)
			thunk = uint64(t32)
		}
		if err != nil {
			return err
		}
		if thunk == 0 {
			return nil
		}
		if thunk&ordinalBit != 0 {
			mod.Symbols = append(mod.Symbols, Import{Ordinal: uint16(thunk & 0xFFFF), ByOrd: true})
		} else {
			hnOff, err := img.RVAToOffset(uint32(thunk))
			if err != nil {
				return err
			}
			hint, err := img.u16(hnOff)
			if err != nil {
				return err
			}
			name, err := img.cstring(hnOff + 2)
			if err != nil {
				return err
			}
			mod.Symbols = append(mod.Symbols, Import{Name: name, Hint: hint})
		}
		off += width
	}
}
