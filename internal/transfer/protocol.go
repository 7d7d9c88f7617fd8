package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream-kind tags: the first byte written to every stream.
const (
	TagManifest = 0x00
	TagData     = 0x01
)

// Control tags written on the manifest stream after the initial
// exchange.
const (
	TagResumeAck     = 0x06
	TagCompletionAck = 0x07
)

var (
	ErrManifestMalformed  = errors.New("transfer: manifest malformed")
	ErrPathUnsafe         = errors.New("transfer: path unsafe")
	ErrPreallocFailed     = errors.New("transfer: preallocation failed")
	ErrCacheExhausted     = errors.New("transfer: file-handle cache exhausted")
	ErrReadFailed         = errors.New("transfer: read failed")
	ErrWriteFailed        = errors.New("transfer: write failed")
	ErrShortWrite         = errors.New("transfer: short write")
	ErrResumeStateCorrupt = errors.New("transfer: resume state corrupt")
	ErrUnexpectedTag      = errors.New("transfer: unexpected stream tag")
)

func writeTag(w io.Writer, tag byte) error {
	_, err := w.Write([]byte{tag})
	return err
}

func readTag(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeResumeAck(w io.Writer, fileID uint32, offset uint64) error {
	buf := make([]byte, 1+4+8)
	buf[0] = TagResumeAck
	binary.LittleEndian.PutUint32(buf[1:5], fileID)
	binary.LittleEndian.PutUint64(buf[5:13], offset)
	_, err := w.Write(buf)
	return err
}

func readResumeAck(r io.Reader) (fileID uint32, offset uint64, err error) {
	buf := make([]byte, 4+8)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}
	fileID = binary.LittleEndian.Uint32(buf[0:4])
	offset = binary.LittleEndian.Uint64(buf[4:12])
	return fileID, offset, nil
}

// closeWrite half-closes the write side of a stream if it supports
// it (the quictransport and mock streams do); otherwise it is a no-op, relying on the
// caller to Close the whole stream once done with both directions.
func closeWrite(s Stream) error {
	if hc, ok := s.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func wrapf(base error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), base)
}
