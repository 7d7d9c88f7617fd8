// Package manifest implements the deterministic binary catalogue of
// files exchanged once at the start of a transfer, and the directory
// scan that produces one.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is a single entry in a Manifest.
//
// ID is dense and zero-based, assigned by sorting RelPath
// lexicographically; it is stable across sender restarts given the
// same input tree.
type File struct {
	ID      uint32
	Size    uint64
	RelPath string // forward-slash separated, never absolute, never ".."

	// AbsolutePath is populated by Scan for the sender's own use. It is
	// never encoded and is zero-value after Decode.
	AbsolutePath string
}

// Manifest is the ordered catalogue of files in a transfer. Item order
// equals ascending ID equals lexicographic order of RelPath.
type Manifest struct {
	Files []File
}

// TotalBytes sums the size of every file in the manifest.
func (m Manifest) TotalBytes() uint64 {
	var total uint64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// ErrManifestMalformed is returned by Decode for any truncation,
// zero-length path, non-sequential id, or unsafe path.
var ErrManifestMalformed = errors.New("manifest: malformed")

// Encode serializes a Manifest deterministically:
//
//	count:   u32 LE
//	repeat count times:
//	  id:      u32 LE
//	  size:    u64 LE
//	  pathLen: u16 LE
//	  path:    pathLen bytes, UTF-8, forward-slash
//
// The caller is responsible for having assigned dense, sorted ids
// (Scan does this).
func Encode(m Manifest) []byte {
	size := 4
	for _, f := range m.Files {
		size += 4 + 8 + 2 + len(f.RelPath)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Files)))
	off += 4
	for _, f := range m.Files {
		binary.LittleEndian.PutUint32(buf[off:], f.ID)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], f.Size)
		off += 8
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(f.RelPath)))
		off += 2
		off += copy(buf[off:], f.RelPath)
	}
	return buf
}

// Decode parses a manifest encoded by Encode. Decoding is strict: any
// truncation, zero-length path, path-traversal component, or id not
// equal to its position fails with ErrManifestMalformed.
func Decode(data []byte) (Manifest, error) {
	if len(data) < 4 {
		return Manifest{}, fmt.Errorf("%w: truncated count", ErrManifestMalformed)
	}
	count := binary.LittleEndian.Uint32(data[:4])
	off := 4
	files := make([]File, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-off < 4+8+2 {
			return Manifest{}, fmt.Errorf("%w: truncated record header", ErrManifestMalformed)
		}
		id := binary.LittleEndian.Uint32(data[off:])
		off += 4
		size := binary.LittleEndian.Uint64(data[off:])
		off += 8
		pathLen := binary.LittleEndian.Uint16(data[off:])
		off += 2
		if pathLen == 0 {
			return Manifest{}, fmt.Errorf("%w: zero-length path", ErrManifestMalformed)
		}
		if len(data)-off < int(pathLen) {
			return Manifest{}, fmt.Errorf("%w: truncated path", ErrManifestMalformed)
		}
		relPath := string(data[off : off+int(pathLen)])
		off += int(pathLen)
		if id != i {
			return Manifest{}, fmt.Errorf("%w: id %d at position %d", ErrManifestMalformed, id, i)
		}
		if err := ValidateRelPath(relPath); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrManifestMalformed, err)
		}
		files = append(files, File{ID: id, Size: size, RelPath: relPath})
	}
	if off != len(data) {
		return Manifest{}, fmt.Errorf("%w: trailing bytes", ErrManifestMalformed)
	}
	return Manifest{Files: files}, nil
}

// ValidateRelPath rejects anything that could escape a receiver root:
// ".." components, absolute prefixes, drive letters, embedded NUL.
func ValidateRelPath(relPath string) error {
	if relPath == "" {
		return errors.New("empty path")
	}
	if strings.IndexByte(relPath, 0) >= 0 {
		return errors.New("embedded NUL")
	}
	if strings.HasPrefix(relPath, "/") || strings.HasPrefix(relPath, "\\") {
		return errors.New("absolute path")
	}
	if len(relPath) >= 2 && relPath[1] == ':' {
		return errors.New("drive-letter path")
	}
	for _, seg := range strings.Split(strings.ReplaceAll(relPath, "\\", "/"), "/") {
		if seg == ".." {
			return errors.New("path traversal component")
		}
	}
	return nil
}

// Fingerprint is the 64-bit FNV-1a hash of a manifest's encoded bytes.
// It names the resume-state file for a given manifest.
func Fingerprint(encoded []byte) uint64 {
	h := fnv.New64a()
	h.Write(encoded)
	return h.Sum64()
}

// Scan walks rootPath and builds a Manifest of every regular file
// beneath it, sorted by RelPath with dense zero-based ids assigned in
// that order. Directories are not recorded as items; they are implied
// by file paths and recreated on receipt. A symlink to a file is
// followed and recorded with its target's size; a symlink to a
// directory is not walked into and adds no entries. Scan aborts on the
// first unreadable entry, including a dangling symlink.
func Scan(rootPath string) (Manifest, error) {
	var files []File
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, File{
			Size:         uint64(info.Size()),
			RelPath:      relPath,
			AbsolutePath: path,
		})
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("scan %s: %w", rootPath, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	for i := range files {
		files[i].ID = uint32(i)
	}
	return Manifest{Files: files}, nil
}

// ResumeStateName returns the resume-state file name for a manifest
// fingerprint.
func ResumeStateName(fingerprint uint64) string {
	return fmt.Sprintf(".thruflux_resume_%d.state", fingerprint)
}
