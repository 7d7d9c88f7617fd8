package transfer

import (
	"net"
	"time"

	"github.com/thruflux/thruflux/internal/filecache"
)

// Classification is informational only; it affects nothing but
// progress reporting.
type Classification int

const (
	ClassificationUnknown Classification = iota
	ClassificationDirect
	ClassificationRelayed
)

// ConnectionContext holds all per-transfer state for one connection:
// one per simultaneously-connected receiver on the sender, one per
// session on the receiver. A ConnectionContext is owned by exactly
// one goroutine for its entire life; nothing outside that goroutine
// touches its scalar fields, so no lock guards them.
type ConnectionContext struct {
	Conn           Conn
	LocalAddr      net.Addr
	RemoteAddr     net.Addr
	Classification Classification

	BytesMoved     uint64
	LastBytesMoved uint64
	SkippedBytes   uint64
	FilesMoved     uint32
	EWMAThroughput float64
	StartTime      time.Time
	LastTime       time.Time
	Started        bool
	Complete       bool

	// Sender-only fields.
	ReceiverID        string
	ResumeFileID      uint32
	ResumeOffset      uint64
	CurrentFileIndex  uint32
	CurrentFileOffset uint64
	ManifestSent      bool

	// Receiver-only fields.
	FileSizes          []uint64
	TotalExpectedBytes uint64
	TotalExpectedFiles uint32
	ResumeStatePath    string
	PendingManifestAck bool
	PendingCompleteAck bool
	Cache              *filecache.Cache
}

// NewConnectionContext creates a ConnectionContext for a freshly
// accepted or dialed Conn.
func NewConnectionContext(conn Conn) *ConnectionContext {
	now := time.Now()
	return &ConnectionContext{
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr(),
		StartTime:  now,
		LastTime:   now,
	}
}

// StreamKind identifies what a stream carries, determined by its
// first byte. UNKNOWN is the state before that byte is read.
type StreamKind int

const (
	StreamKindUnknown StreamKind = iota
	StreamKindManifest
	StreamKindData
)

// StreamContext holds per-stream state. Its lifetime is strictly
// inside its ConnectionContext's; the back-reference is non-owning.
type StreamContext struct {
	Conn *ConnectionContext
	Kind StreamKind

	// DATA streams: a pinned file handle and its cursor.
	FileID uint32
	Offset uint64
	Buffer []byte

	// MANIFEST streams: a growable receive buffer.
	ManifestBuf []byte
}
