package handles

import (
	"encoding/binary"
	"testing"
)

func buildTable(t *testing.T, entries []Handle) []byte {
	t.Helper()
	buf := make([]byte, entriesStart+len(entries)*entrySize)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for i, e := range entries {
		off := entriesStart + i*entrySize
		binary.LittleEndian.PutUint16(buf[off:], uint16(e.OwnerPID))
		buf[off+4] = e.ObjectTypeIndex
		binary.LittleEndian.PutUint16(buf[off+6:], e.Value)
		binary.LittleEndian.PutUint32(buf[off+16:], e.GrantedAccess)
	}
	return buf
}

func TestParseTableFiltersByPID(t *testing.T) {
	buf := buildTable(t, []Handle{
		{OwnerPID: 100, ObjectTypeIndex: 7, Value: 0x1C, GrantedAccess: 0x1FFFFF},
		{OwnerPID: 200, ObjectTypeIndex: 35, Value: 0x20, GrantedAccess: 0x120089},
		{OwnerPID: 100, ObjectTypeIndex: 15, Value: 0x24, GrantedAccess: 0x100003},
	})

	got := parseTable(buf, 100)
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].TypeName != "Process" || got[1].TypeName != "Event" {
		t.Errorf("type names = %q, %q", got[0].TypeName, got[1].TypeName)
	}
	if got[0].Value != 0x1C || got[0].GrantedAccess != 0x1FFFFF {
		t.Errorf("entry 0 = %+v", got[0])
	}

	all := parseTable(buf, 0)
	if len(all) != 3 {
		t.Errorf("unfiltered entries = %d, want 3", len(all))
	}
}

func TestParseTableClipsOverstatedCount(t *testing.T) {
	buf := buildTable(t, []Handle{{OwnerPID: 4, ObjectTypeIndex: 8, Value: 4}})
	binary.LittleEndian.PutUint32(buf, 1000)
	got := parseTable(buf, 0)
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
}

func TestParseTableShortBuffer(t *testing.T) {
	if got := parseTable(nil, 0); got != nil {
		t.Errorf("nil buffer: %v", got)
	}
	if got := parseTable([]byte{1, 0}, 0); got != nil {
		t.Errorf("2-byte buffer: %v", got)
	}
}

func TestGrowthLoopBound(t *testing.T) {
	// Doubling from the initial size must hit the cap in a fixed number
	// of attempts, never unbounded.
	size := uintptr(initialBufferSize)
	attempts := 0
	for {
		next, ok := nextQuerySize(size)
		if !ok {
			break
		}
		size = next
		attempts++
		if attempts > 64 {
			t.Fatal("growth never reaches the cap")
		}
	}
	if size != maxBufferSize {
		t.Errorf("final size = 0x%X, want 0x%X", size, uintptr(maxBufferSize))
	}
	if _, ok := nextQuerySize(maxBufferSize); ok {
		t.Error("growth allowed past the cap")
	}
}

func TestTypeName(t *testing.T) {
	tests := []struct {
		idx  uint8
		want string
	}{
		{2, "Type"},
		{7, "Process"},
		{35, "File"},
		{45, "ALPC Port"},
		{60, "DxgkSharedSwapChainObject"},
		{61, "Unknown (61)"},
		{255, "Unknown (255)"},
	}
	for _, tc := range tests {
		if got := TypeName(tc.idx); got != tc.want {
			t.Errorf("TypeName(%d) = %q, want %q", tc.idx, got, tc.want)
		}
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		typeName string
		want     string
	}{
		{"File", "file"},
		{"Key", "registry"},
		{"Thread", "process"},
		{"Mutant", "sync"},
		{"Section", "memory"},
		{"Token", "security"},
		{"ALPC Port", "ipc"},
		{"SymbolicLink", "namespace"},
		{"EtwRegistration", "other"},
	}
	for _, tc := range tests {
		if got := Category(tc.typeName); got != tc.want {
			t.Errorf("Category(%q) = %q, want %q", tc.typeName, got, tc.want)
		}
	}
}
