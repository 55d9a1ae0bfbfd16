package handles

const (
	// SYSTEM_HANDLE_TABLE_ENTRY_INFO on x64: UniqueProcessId USHORT@0,
	// ObjectTypeIndex UCHAR@4, HandleValue USHORT@6, Object PVOID@8,
	// GrantedAccess ULONG@16, padded to 24.
	entrySize    = 24
	entriesStart = 8

	initialBufferSize = 0x10000   // 64 KiB
	maxBufferSize     = 0x4000000 // 64 MiB
)

// nextQuerySize doubles the query buffer. ok is false past the hard cap,
// at which point the caller gives up with an empty table.
func nextQuerySize(size uintptr) (uintptr, bool) {
	size *= 2
	if size > maxBufferSize {
		return 0, false
	}
	return size, true
}

// parseTable decodes a raw SYSTEM_HANDLE_INFORMATION buffer, keeping only
// entries owned by pid (pid 0 keeps everything). Counts larger than the
// buffer are clipped rather than trusted.
func parseTable(buf []byte, pid uint32) []Handle {
	if len(buf) < 4 {
		return nil
	}
	count := int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)

	var out []Handle
	for i := 0; i < count; i++ {
		off := entriesStart + i*entrySize
		if off+entrySize > len(buf) {
			break
		}
		owner := uint32(buf[off]) | uint32(buf[off+1])<<8
		if pid != 0 && owner != pid {
			continue
		}
		typeIdx := buf[off+4]
		out = append(out, Handle{
			Value:           uint16(buf[off+6]) | uint16(buf[off+7])<<8,
			ObjectTypeIndex: typeIdx,
			TypeName:        TypeName(typeIdx),
			GrantedAccess: uint32(buf[off+16]) | uint32(buf[off+17])<<8 |
				uint32(buf[off+18])<<16 | uint32(buf[off+19])<<24,
			OwnerPID: owner,
		})
	}
	return out
}
