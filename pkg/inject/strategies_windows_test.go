//go:build windows

package inject

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func kindOf(t *testing.T, err error) FailureKind {
	t.Helper()
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("error type %T: %v", err, err)
	}
	return serr.Kind
}

func TestValidateRejectsMissingPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.dll")
	for _, s := range []Strategy{NewLoaderCall(), NewThreadHijack(), NewManualMap()} {
		err := s.Validate(&Request{PID: 4, DLLPath: missing})
		if err == nil {
			t.Fatalf("%s accepted a missing path", s.Name())
		}
		if kindOf(t, err) != KindNotFound {
			t.Errorf("%s: kind = %v, want not-found", s.Name(), kindOf(t, err))
		}
	}
}

func TestValidateRejectsPIDZero(t *testing.T) {
	p := writeTemp(t, "x.dll", []byte("MZ"))
	err := NewLoaderCall().Validate(&Request{PID: 0, DLLPath: p})
	if err == nil || kindOf(t, err) != KindNotFound {
		t.Errorf("pid 0: %v", err)
	}
}

func TestManualMapRejectsBadImageBeforeOpen(t *testing.T) {
	// A file that is not a PE must die in validation, before any process
	// handle or remote allocation exists.
	p := writeTemp(t, "bad.dll", []byte("XX this is not a PE image"))
	s := NewManualMap()
	err := s.Validate(&Request{PID: 4, DLLPath: p})
	if err == nil {
		t.Fatal("bad image accepted")
	}
	if kindOf(t, err) != KindMalformedInput {
		t.Errorf("kind = %v, want malformed-input", kindOf(t, err))
	}
	if s.hProcess != 0 || s.remote != 0 {
		t.Error("validation touched process or memory state")
	}
}

// pe32Stub builds the smallest headers-only PE32 file the parser accepts.
func pe32Stub() []byte {
	b := make([]byte, 0x200)
	copy(b, "MZ")
	binary.LittleEndian.PutUint32(b[0x3C:], 0x40)
	copy(b[0x40:], "PE\x00\x00")
	binary.LittleEndian.PutUint16(b[0x44:], 0x14C) // machine i386
	binary.LittleEndian.PutUint16(b[0x54:], 224)   // optional header size
	binary.LittleEndian.PutUint16(b[0x58:], 0x10B) // PE32 magic
	binary.LittleEndian.PutUint32(b[0x58+60:], 0x200)
	return b
}

func TestManualMapRejects32BitImage(t *testing.T) {
	// PE32 parses fine for inspection, but manual mapping only handles
	// 64-bit images and must refuse before touching the target.
	p := writeTemp(t, "x86.dll", pe32Stub())
	s := NewManualMap()
	err := s.Validate(&Request{PID: 4, DLLPath: p})
	if err == nil {
		t.Fatal("32-bit image accepted")
	}
	if kindOf(t, err) != KindMalformedInput {
		t.Errorf("kind = %v, want malformed-input", kindOf(t, err))
	}
	if s.hProcess != 0 || s.remote != 0 {
		t.Error("validation touched process or memory state")
	}
}

func TestHijackNoThreadsIsNotFound(t *testing.T) {
	p := writeTemp(t, "x.dll", []byte("payload"))
	s := NewThreadHijack()
	res, err := Run(s, Request{PID: 0xFFFFFFF1, DLLPath: p}, nil)
	if err == nil {
		t.Skip("target unexpectedly had threads")
	}
	if k := kindOf(t, err); k != KindNotFound && k != KindOpenFailure {
		t.Errorf("kind = %v", k)
	}
	if res.RetainedBase != 0 {
		t.Error("allocation happened before a thread was found")
	}
}

func TestRunNonexistentPIDIsOpenFailure(t *testing.T) {
	p := writeTemp(t, "x.dll", []byte("payload"))
	// PID beyond any plausible live process; pids are multiples of 4.
	_, err := Run(NewLoaderCall(), Request{PID: 0xFFFFFFF1, DLLPath: p}, nil)
	if err == nil {
		t.Skip("open unexpectedly succeeded")
	}
	if k := kindOf(t, err); k != KindOpenFailure {
		t.Errorf("kind = %v, want open-failure", k)
	}
}
