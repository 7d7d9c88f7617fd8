package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/thruflux/thruflux/internal/bufpool"
	"github.com/thruflux/thruflux/internal/filecache"
	"github.com/thruflux/thruflux/internal/resume"
	"github.com/thruflux/thruflux/pkg/manifest"
)

const resumeFlushInterval = time.Second

// ReceiverPipeline parses an incoming manifest, preallocates files,
// writes DATA-stream bytes to pinned file handles, and persists a
// durable resume cursor. One ReceiverPipeline is created per incoming
// connection.
type ReceiverPipeline struct {
	OutputDirectory   string
	ChunkSize         uint32
	PreallocThreshold uint64
	FDCacheCapacity   int
	Overwrite         bool
	bufs              *bufpool.Pool
}

// NewReceiverPipeline constructs a pipeline, applying defaults for
// zero-valued fields.
func NewReceiverPipeline(outputDirectory string, chunkSize uint32, preallocThreshold uint64, fdCacheCapacity int, overwrite bool) *ReceiverPipeline {
	if chunkSize == 0 {
		chunkSize = 4 * 1024 * 1024
	}
	if preallocThreshold == 0 {
		preallocThreshold = 64 * 1024 * 1024
	}
	if fdCacheCapacity <= 0 {
		fdCacheCapacity = filecache.DefaultCapacity
	}
	return &ReceiverPipeline{
		OutputDirectory:   outputDirectory,
		ChunkSize:         chunkSize,
		PreallocThreshold: preallocThreshold,
		FDCacheCapacity:   fdCacheCapacity,
		Overwrite:         overwrite,
		bufs:              bufpool.New(int(chunkSize)),
	}
}

// Run drives one connection through INIT → RECV_MANIFEST →
// WRITE_RESUME_ACK → RECV_DATA → WRITE_COMPLETE_ACK → CLOSED.
func (p *ReceiverPipeline) Run(ctx context.Context, conn Conn) (*ConnectionContext, error) {
	cc := NewConnectionContext(conn)
	cc.Cache = filecache.New(p.FDCacheCapacity)
	defer cc.Cache.CloseAll()

	manifestStream, err := conn.AcceptStream(ctx)
	if err != nil {
		return cc, wrapf(ErrReadFailed, "accept manifest stream")
	}
	defer manifestStream.Close()

	tag, err := readTag(manifestStream)
	if err != nil {
		return cc, wrapf(ErrReadFailed, "read manifest tag")
	}
	if tag != TagManifest {
		return cc, wrapf(ErrUnexpectedTag, "expected manifest tag, got 0x%02x", tag)
	}

	body, err := io.ReadAll(manifestStream)
	if err != nil {
		return cc, wrapf(ErrReadFailed, "read manifest body")
	}
	m, err := manifest.Decode(body)
	if err != nil {
		return cc, wrapf(ErrManifestMalformed, "decode manifest")
	}

	n := uint32(len(m.Files))
	cc.TotalExpectedFiles = n
	cc.FileSizes = make([]uint64, n)
	for _, f := range m.Files {
		cc.FileSizes[f.ID] = f.Size
		cc.TotalExpectedBytes += f.Size

		destPath, err := p.resolvePath(f.RelPath)
		if err != nil {
			return cc, wrapf(ErrPathUnsafe, "resolve %s", f.RelPath)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return cc, wrapf(ErrWriteFailed, "create directory for %s", f.RelPath)
		}
		cc.Cache.Register(f.ID, destPath)
		p.preallocate(destPath, f.Size)
	}

	fingerprint := manifest.Fingerprint(manifest.Encode(m))
	cc.ResumeStatePath = resume.StatePath(p.OutputDirectory, fingerprint)
	store := resume.NewStore(cc.ResumeStatePath, resumeFlushInterval)

	if p.Overwrite {
		if err := store.Reset(); err != nil {
			return cc, wrapf(ErrWriteFailed, "reset resume state")
		}
	}

	cursor, loadErr := store.Load()
	if loadErr != nil {
		// ResumeStateCorrupt is non-fatal: reset and continue from (0,0).
		if err := store.Reset(); err != nil {
			return cc, wrapf(ErrWriteFailed, "reset corrupt resume state")
		}
		cursor = resume.Cursor{}
	}

	fileID, offset := normalizeCursor(cursor.FileID, cursor.Offset, cc.FileSizes, n)
	cc.ResumeFileID = fileID
	cc.ResumeOffset = offset
	cc.FilesMoved = fileID
	for i := uint32(0); i < fileID && i < n; i++ {
		cc.SkippedBytes += cc.FileSizes[i]
	}
	cc.SkippedBytes += offset
	cc.BytesMoved = cc.SkippedBytes
	store.Advance(resume.Cursor{FileID: fileID, Offset: offset})

	if err := writeResumeAck(manifestStream, fileID, offset); err != nil {
		return cc, wrapf(ErrWriteFailed, "write resume ack")
	}
	if err := store.ForceFlush(); err != nil {
		return cc, wrapf(ErrWriteFailed, "flush resume state")
	}

	if fileID < n {
		if err := p.receiveData(ctx, conn, cc, store, fileID, offset); err != nil {
			return cc, err
		}
	}

	if err := writeTag(manifestStream, TagCompletionAck); err != nil {
		return cc, wrapf(ErrWriteFailed, "write completion ack")
	}
	if err := store.ForceFlush(); err != nil {
		return cc, wrapf(ErrWriteFailed, "final resume flush")
	}
	cc.Complete = true
	conn.Close()
	return cc, nil
}

// normalizeCursor clamps offset to the file's size and advances past
// any file already fully received, including zero-size files.
func normalizeCursor(fileID uint32, offset uint64, sizes []uint64, n uint32) (uint32, uint64) {
	if fileID > n {
		fileID = n
	}
	if fileID < n && offset > sizes[fileID] {
		offset = sizes[fileID]
	}
	for fileID < n && offset == sizes[fileID] {
		fileID++
		offset = 0
	}
	return fileID, offset
}

func (p *ReceiverPipeline) receiveData(ctx context.Context, conn Conn, cc *ConnectionContext, store *resume.Store, startFileID uint32, startOffset uint64) error {
	dataStream, err := conn.AcceptStream(ctx)
	if err != nil {
		return wrapf(ErrReadFailed, "accept data stream")
	}
	defer dataStream.Close()

	tag, err := readTag(dataStream)
	if err != nil {
		return wrapf(ErrReadFailed, "read data tag")
	}
	if tag != TagData {
		return wrapf(ErrUnexpectedTag, "expected data tag, got 0x%02x", tag)
	}

	n := uint32(len(cc.FileSizes))
	curFileID, curOffset := startFileID, startOffset
	buf := p.bufs.Get()
	defer p.bufs.Put(buf)

	for curFileID < n {
		size := cc.FileSizes[curFileID]
		handle, err := cc.Cache.Acquire(curFileID, true)
		if err != nil {
			return wrapf(ErrCacheExhausted, "acquire file %d", curFileID)
		}

		for curOffset < size {
			remaining := size - curOffset
			want := remaining
			if want > uint64(len(buf)) {
				want = uint64(len(buf))
			}
			nRead, readErr := io.ReadFull(dataStream, buf[:want])
			if nRead > 0 {
				nWritten, writeErr := handle.WriteAt(buf[:nRead], int64(curOffset))
				if writeErr != nil {
					cc.Cache.Release(curFileID)
					return wrapf(ErrWriteFailed, "write file %d", curFileID)
				}
				if nWritten != nRead {
					cc.Cache.Release(curFileID)
					return wrapf(ErrShortWrite, "short write on file %d", curFileID)
				}
				curOffset += uint64(nWritten)
				cc.BytesMoved += uint64(nWritten)
				store.Advance(resume.Cursor{FileID: curFileID, Offset: curOffset})
				if err := store.Flush(); err != nil {
					cc.Cache.Release(curFileID)
					return wrapf(ErrWriteFailed, "flush resume state")
				}
			}
			if readErr != nil {
				cc.Cache.Release(curFileID)
				return wrapf(ErrReadFailed, "read file %d", curFileID)
			}
		}
		cc.Cache.Release(curFileID)
		cc.FilesMoved++
		curFileID++
		curOffset = 0
		for curFileID < n && cc.FileSizes[curFileID] == 0 {
			cc.FilesMoved++
			curFileID++
		}
		store.Advance(resume.Cursor{FileID: curFileID, Offset: curOffset})
		if err := store.ForceFlush(); err != nil {
			return wrapf(ErrWriteFailed, "flush resume state on file completion")
		}
	}
	return nil
}

// resolvePath joins relPath beneath OutputDirectory, rejecting any
// result that would escape the root. The manifest decoder already
// rejects traversal components; this is defense in depth.
func (p *ReceiverPipeline) resolvePath(relPath string) (string, error) {
	root, err := filepath.Abs(p.OutputDirectory)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(root, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathUnsafe
	}
	return dest, nil
}

// preallocate creates destPath, unconditionally: a size-0 file has no
// data stream to write it into later, so this is its only creation
// point. Above PreallocThreshold it also best-effort extends the file
// to size bytes as a fragmentation-avoidance optimization; that part's
// failure is silently ignored.
func (p *ReceiverPipeline) preallocate(destPath string, size uint64) {
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	if size >= p.PreallocThreshold {
		_ = f.Truncate(int64(size))
	}
}
