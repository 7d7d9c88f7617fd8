// Package resume persists the receiver's durable (fileId, byteOffset)
// cursor: the prefix of the logical byte sequence known to be safely
// on disk.
package resume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stateSize is the on-disk layout: resumeFileId u32 LE, resumeOffset
// u64 LE.
const stateSize = 4 + 8

// ErrCorrupt is returned by Load when the state file exists but is
// not exactly stateSize bytes, or is otherwise unreadable as a
// cursor. Callers should treat this as non-fatal and reset to (0,0).
var ErrCorrupt = errors.New("resume: state file corrupt")

// Cursor is a (fileId, byteOffset) position in the logical byte
// sequence.
type Cursor struct {
	FileID uint32
	Offset uint64
}

// Encode serializes c to its 12-byte on-disk layout.
func (c Cursor) Encode() []byte {
	buf := make([]byte, stateSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.FileID)
	binary.LittleEndian.PutUint64(buf[4:12], c.Offset)
	return buf
}

// DecodeCursor parses the 12-byte on-disk layout produced by Encode.
func DecodeCursor(data []byte) (Cursor, error) {
	if len(data) != stateSize {
		return Cursor{}, fmt.Errorf("%w: want %d bytes, got %d", ErrCorrupt, stateSize, len(data))
	}
	return Cursor{
		FileID: binary.LittleEndian.Uint32(data[0:4]),
		Offset: binary.LittleEndian.Uint64(data[4:12]),
	}, nil
}

// StatePath returns the resume-state file path for a manifest
// fingerprint within outputDirectory.
func StatePath(outputDirectory string, fingerprint uint64) string {
	return filepath.Join(outputDirectory, fmt.Sprintf(".thruflux_resume_%d.state", fingerprint))
}

// Store manages durable persistence of a single Cursor, throttling
// disk flushes to at most once per minInterval unless ForceFlush is
// called (state transitions always force a flush).
type Store struct {
	path        string
	minInterval time.Duration
	mu          sync.Mutex
	cursor      Cursor
	dirty       bool
	lastFlush   time.Time
}

// NewStore creates a Store writing to path, with flushes throttled to
// at most once per minInterval.
func NewStore(path string, minInterval time.Duration) *Store {
	return &Store{path: path, minInterval: minInterval}
}

// Load reads the existing cursor at path. If the file does not exist,
// it returns the zero Cursor and no error. If the file exists but is
// malformed, it returns ErrCorrupt; the caller should then call Reset.
func (s *Store) Load() (Cursor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("resume: read %s: %w", s.path, err)
	}
	cur, err := DecodeCursor(data)
	if err != nil {
		return Cursor{}, err
	}
	s.mu.Lock()
	s.cursor = cur
	s.mu.Unlock()
	return cur, nil
}

// Reset discards any existing state file and sets the in-memory
// cursor to (0,0).
func (s *Store) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resume: remove %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.cursor = Cursor{}
	s.dirty = false
	s.lastFlush = time.Time{}
	s.mu.Unlock()
	return nil
}

// Advance updates the in-memory cursor and marks it dirty. It does
// not itself touch disk; call Flush or ForceFlush.
func (s *Store) Advance(cur Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cur
	s.dirty = true
}

// Current returns the in-memory cursor.
func (s *Store) Current() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Flush persists the cursor if it is dirty and minInterval has
// elapsed since the last flush. Intended to be called from a timer.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty || time.Since(s.lastFlush) < s.minInterval {
		s.mu.Unlock()
		return nil
	}
	cur := s.cursor
	s.mu.Unlock()
	return s.writeAtomic(cur)
}

// ForceFlush persists the cursor unconditionally, bypassing the
// interval throttle. Call this on every state transition and once
// more on connection teardown.
func (s *Store) ForceFlush() error {
	s.mu.Lock()
	cur := s.cursor
	s.mu.Unlock()
	return s.writeAtomic(cur)
}

func (s *Store) writeAtomic(cur Cursor) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, cur.Encode(), 0644); err != nil {
		return fmt.Errorf("resume: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("resume: rename %s to %s: %w", tmp, s.path, err)
	}
	s.mu.Lock()
	s.dirty = false
	s.lastFlush = time.Now()
	s.mu.Unlock()
	return nil
}
