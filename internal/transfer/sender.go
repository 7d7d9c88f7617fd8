package transfer

import (
	"context"
	"io"

	"github.com/thruflux/thruflux/internal/bufpool"
	"github.com/thruflux/thruflux/internal/filecache"
	"github.com/thruflux/thruflux/pkg/manifest"
)

// SenderPipeline walks an ordered file list from a resume cursor and
// streams chunks to one receiver. One SenderPipeline instance is
// created per ConnectionContext; the underlying Manifest is shared
// read-only across instances for the same input set.
type SenderPipeline struct {
	Manifest  manifest.Manifest
	ChunkSize uint32
	bufs      *bufpool.Pool
}

// NewSenderPipeline constructs a pipeline for m, defaulting ChunkSize
// when zero. The chunk buffer pool belongs to this pipeline; every Run
// on it draws its fixed-size buffer from that pool instead of
// allocating a fresh one.
func NewSenderPipeline(m manifest.Manifest, chunkSize uint32) *SenderPipeline {
	if chunkSize == 0 {
		chunkSize = 4 * 1024 * 1024
	}
	return &SenderPipeline{Manifest: m, ChunkSize: chunkSize, bufs: bufpool.New(int(chunkSize))}
}

// Run drives one connection through INIT → OPEN_MANIFEST_STREAM →
// SEND_MANIFEST → AWAIT_RESUME_ACK → [OPEN_DATA_STREAM → STREAM_DATA]
// → AWAIT_COMPLETE_ACK → CLOSED. It blocks until the transfer
// completes or fails, and always returns the ConnectionContext
// reflecting whatever progress was made.
func (p *SenderPipeline) Run(ctx context.Context, conn Conn) (*ConnectionContext, error) {
	cc := NewConnectionContext(conn)
	cache := filecache.New(1)
	for _, f := range p.Manifest.Files {
		cache.Register(f.ID, f.AbsolutePath)
	}
	defer cache.CloseAll()

	manifestStream, err := conn.OpenStream(ctx)
	if err != nil {
		return cc, wrapf(ErrWriteFailed, "open manifest stream")
	}
	defer manifestStream.Close()

	encoded := manifest.Encode(p.Manifest)
	if err := writeTag(manifestStream, TagManifest); err != nil {
		return cc, wrapf(ErrWriteFailed, "write manifest tag")
	}
	if _, err := manifestStream.Write(encoded); err != nil {
		return cc, wrapf(ErrWriteFailed, "write manifest body")
	}
	if err := closeWrite(manifestStream); err != nil {
		return cc, wrapf(ErrWriteFailed, "half-close manifest stream")
	}
	cc.ManifestSent = true

	tag, err := readTag(manifestStream)
	if err != nil {
		return cc, wrapf(ErrReadFailed, "read resume-ack tag")
	}
	if tag != TagResumeAck {
		return cc, wrapf(ErrUnexpectedTag, "expected resume ack, got 0x%02x", tag)
	}
	resumeFileID, resumeOffset, err := readResumeAck(manifestStream)
	if err != nil {
		return cc, wrapf(ErrReadFailed, "read resume-ack body")
	}

	n := uint32(len(p.Manifest.Files))
	if resumeFileID > n {
		return cc, wrapf(ErrUnexpectedTag, "resume file id %d exceeds file count %d", resumeFileID, n)
	}
	if resumeFileID < n && resumeOffset > p.Manifest.Files[resumeFileID].Size {
		return cc, wrapf(ErrUnexpectedTag, "resume offset %d exceeds file size", resumeOffset)
	}
	cc.ResumeFileID = resumeFileID
	cc.ResumeOffset = resumeOffset

	idx, offset := resumeFileID, resumeOffset
	for idx < n && offset == p.Manifest.Files[idx].Size {
		idx++
		offset = 0
	}
	cc.CurrentFileIndex = idx
	cc.CurrentFileOffset = offset
	cc.FilesMoved = idx
	for i := uint32(0); i < idx; i++ {
		cc.BytesMoved += p.Manifest.Files[i].Size
	}
	cc.BytesMoved += offset
	cc.SkippedBytes = cc.BytesMoved

	if idx < n {
		if err := p.streamData(ctx, conn, cc, cache); err != nil {
			return cc, err
		}
	}

	tag, err = readTag(manifestStream)
	if err != nil {
		return cc, wrapf(ErrReadFailed, "read completion-ack tag")
	}
	if tag != TagCompletionAck {
		return cc, wrapf(ErrUnexpectedTag, "expected completion ack, got 0x%02x", tag)
	}
	cc.Complete = true
	conn.Close()
	return cc, nil
}

// streamData opens the single DATA stream and writes the logical byte
// sequence from cc's cursor to end of manifest.
func (p *SenderPipeline) streamData(ctx context.Context, conn Conn, cc *ConnectionContext, cache *filecache.Cache) error {
	dataStream, err := conn.OpenStream(ctx)
	if err != nil {
		return wrapf(ErrWriteFailed, "open data stream")
	}
	defer dataStream.Close()

	if err := writeTag(dataStream, TagData); err != nil {
		return wrapf(ErrWriteFailed, "write data tag")
	}

	buf := p.bufs.Get()
	defer p.bufs.Put(buf)
	n := uint32(len(p.Manifest.Files))
	for cc.CurrentFileIndex < n {
		f := p.Manifest.Files[cc.CurrentFileIndex]
		handle, err := cache.Acquire(f.ID, false)
		if err != nil {
			return wrapf(ErrCacheExhausted, "acquire file %d", f.ID)
		}

		for cc.CurrentFileOffset < f.Size {
			toRead := f.Size - cc.CurrentFileOffset
			if toRead > uint64(len(buf)) {
				toRead = uint64(len(buf))
			}
			nRead, readErr := handle.ReadAt(buf[:toRead], int64(cc.CurrentFileOffset))
			if nRead > 0 {
				if _, writeErr := dataStream.Write(buf[:nRead]); writeErr != nil {
					cache.Release(f.ID)
					return wrapf(ErrWriteFailed, "write data for file %d", f.ID)
				}
				cc.CurrentFileOffset += uint64(nRead)
				cc.BytesMoved += uint64(nRead)
			}
			if readErr != nil && readErr != io.EOF {
				cache.Release(f.ID)
				return wrapf(ErrReadFailed, "read file %d", f.ID)
			}
			if readErr == io.EOF && cc.CurrentFileOffset != f.Size {
				cache.Release(f.ID)
				return wrapf(ErrReadFailed, "short read on file %d", f.ID)
			}
		}
		cache.Release(f.ID)
		cc.FilesMoved++
		cc.CurrentFileIndex++
		cc.CurrentFileOffset = 0
	}

	if err := closeWrite(dataStream); err != nil {
		return wrapf(ErrWriteFailed, "half-close data stream")
	}
	return nil
}
