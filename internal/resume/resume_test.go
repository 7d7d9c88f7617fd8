package resume

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := Cursor{FileID: 3, Offset: 123456789}
	decoded, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor() error = %v", err)
	}
	if decoded != c {
		t.Errorf("decoded = %+v, want %+v", decoded, c)
	}
}

func TestDecodeCursorRejectsWrongLength(t *testing.T) {
	if _, err := DecodeCursor([]byte{1, 2, 3}); err == nil {
		t.Fatal("DecodeCursor() expected error for short input")
	}
}

func TestLoadMissingFileReturnsZeroCursor(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "state"), time.Second)
	cur, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cur != (Cursor{}) {
		t.Errorf("cur = %+v, want zero value", cur)
	}
}

func TestForceFlushThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	s := NewStore(path, time.Second)

	s.Advance(Cursor{FileID: 2, Offset: 99})
	if err := s.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}

	s2 := NewStore(path, time.Second)
	cur, err := s2.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cur.FileID != 2 || cur.Offset != 99 {
		t.Errorf("cur = %+v, want {2 99}", cur)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	if err := os.WriteFile(path, []byte("not a valid cursor"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewStore(path, time.Second)
	if _, err := s.Load(); err == nil {
		t.Fatal("Load() expected ErrCorrupt for malformed file")
	}
}

func TestResetDeletesFileAndZeroesCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	s := NewStore(path, time.Second)
	s.Advance(Cursor{FileID: 1, Offset: 1})
	if err := s.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected state file to be removed after Reset()")
	}
	if s.Current() != (Cursor{}) {
		t.Errorf("Current() = %+v, want zero value", s.Current())
	}
}

func TestFlushThrottlesWithinInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	s := NewStore(path, time.Hour)

	s.Advance(Cursor{FileID: 1, Offset: 1})
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected first Flush to write the file: %v", err)
	}

	info1, _ := os.Stat(path)
	s.Advance(Cursor{FileID: 1, Offset: 2})
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	info2, _ := os.Stat(path)
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("Flush() wrote again before minInterval elapsed")
	}

	// ForceFlush always writes regardless of the throttle.
	if err := s.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	cur, err := NewStore(path, time.Hour).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cur.Offset != 2 {
		t.Errorf("Offset = %d, want 2", cur.Offset)
	}
}

func TestStatePathIncludesFingerprint(t *testing.T) {
	p := StatePath("/out", 12345)
	want := filepath.Join("/out", ".thruflux_resume_12345.state")
	if p != want {
		t.Errorf("StatePath() = %s, want %s", p, want)
	}
}
