package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
)

const (
	// DefaultChunkSize is the size of each DATA stream write/read
	// buffer when no chunk size is configured.
	DefaultChunkSize = 4 * 1024 * 1024
	// DefaultPreallocThreshold is the file size above which the
	// receiver preallocates disk space before writing.
	DefaultPreallocThreshold = 64 * 1024 * 1024
	// DefaultFDCacheCapacity bounds how many file descriptors the
	// receiver keeps open simultaneously.
	DefaultFDCacheCapacity = 128
)

// DefaultMaxReceivers bounds how many receivers may simultaneously
// attach to one sender.
const DefaultMaxReceivers = 4

// DefaultUDPBufferBytes, DefaultQUICConnWindowBytes and
// DefaultQUICStreamWindowBytes seed the socket and flow-control tuning
// knobs shared by both sides of a transfer.
const (
	DefaultUDPBufferBytes        = 4 * 1024 * 1024
	DefaultQUICConnWindowBytes   = 64 * 1024 * 1024
	DefaultQUICStreamWindowBytes = 16 * 1024 * 1024
	DefaultQUICMaxStreams        = 100
)

// SenderConfig holds configuration for the sending side of a transfer.
type SenderConfig struct {
	ServerURL        string
	LogLevel         string
	PeerID           string
	JoinCode         string
	Paths            []string // roots to scan; default ["."]
	ChunkSize        uint32
	MaxReceivers     int
	UDPBufferBytes   int
	QUICConnWindow   int
	QUICStreamWindow int
	QUICMaxStreams   int
}

// ReceiverConfig holds configuration for the receiving side of a
// transfer.
type ReceiverConfig struct {
	ServerURL         string
	LogLevel          string
	PeerID            string
	JoinCode          string
	OutputDirectory   string
	ChunkSize         uint32
	PreallocThreshold uint64
	FDCacheCapacity   int
	Overwrite         bool
	UDPBufferBytes    int
	QUICConnWindow    int
	QUICStreamWindow  int
	QUICMaxStreams    int
}

// SignalConfig holds configuration for the signaling server binary.
type SignalConfig struct {
	Addr     string
	LogLevel string
}

// ParseSignalConfig parses signaling-server configuration from flags
// and environment variables. Flags take precedence.
func ParseSignalConfig() SignalConfig {
	return parseSignalConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseSignalConfigWithFlagSet(fs *flag.FlagSet, args []string) SignalConfig {
	cfg := SignalConfig{
		Addr:     ":8080",
		LogLevel: "info",
	}
	if addr := os.Getenv("THRUFLUX_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("THRUFLUX_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "signaling server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)
	return cfg
}

// ParseSenderConfig parses sender configuration from flags and
// environment variables. Flags take precedence.
func ParseSenderConfig() SenderConfig {
	return parseSenderConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) SenderConfig {
	cfg := SenderConfig{
		ServerURL:        "http://localhost:8080",
		LogLevel:         "info",
		PeerID:           generatePeerID(),
		Paths:            []string{"."},
		ChunkSize:        DefaultChunkSize,
		MaxReceivers:     DefaultMaxReceivers,
		UDPBufferBytes:   DefaultUDPBufferBytes,
		QUICConnWindow:   DefaultQUICConnWindowBytes,
		QUICStreamWindow: DefaultQUICStreamWindowBytes,
		QUICMaxStreams:   DefaultQUICMaxStreams,
	}
	if serverURL := os.Getenv("THRUFLUX_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("THRUFLUX_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if peerID := os.Getenv("THRUFLUX_PEER_ID"); peerID != "" {
		cfg.PeerID = peerID
	}
	if joinCode := os.Getenv("THRUFLUX_JOIN_CODE"); joinCode != "" {
		cfg.JoinCode = joinCode
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.JoinCode, "join-code", cfg.JoinCode, "session join code")
	fs.IntVar(&cfg.MaxReceivers, "max-receivers", cfg.MaxReceivers, "max simultaneously attached receivers")
	fs.IntVar(&cfg.UDPBufferBytes, "udp-buffer-bytes", cfg.UDPBufferBytes, "requested UDP socket read/write buffer size")
	fs.IntVar(&cfg.QUICConnWindow, "quic-conn-window-bytes", cfg.QUICConnWindow, "QUIC connection flow-control receive window")
	fs.IntVar(&cfg.QUICStreamWindow, "quic-stream-window-bytes", cfg.QUICStreamWindow, "QUIC per-stream flow-control receive window")
	fs.IntVar(&cfg.QUICMaxStreams, "quic-max-streams", cfg.QUICMaxStreams, "max concurrent QUIC streams accepted per connection")

	var chunkSize uint64
	fs.Uint64Var(&chunkSize, "chunk-size", uint64(cfg.ChunkSize), "DATA stream chunk size in bytes")

	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "root path to scan (repeatable)")

	fs.Parse(args)

	cfg.ChunkSize = uint32(chunkSize)
	if len(paths) > 0 {
		cfg.Paths = paths
	}
	if cfg.MaxReceivers < 1 {
		cfg.MaxReceivers = 1
	}
	return cfg
}

// ParseReceiverConfig parses receiver configuration from flags and
// environment variables. Flags take precedence.
func ParseReceiverConfig() ReceiverConfig {
	return parseReceiverConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseReceiverConfigWithFlagSet(fs *flag.FlagSet, args []string) ReceiverConfig {
	cfg := ReceiverConfig{
		ServerURL:         "http://localhost:8080",
		LogLevel:          "info",
		PeerID:            generatePeerID(),
		OutputDirectory:   ".",
		ChunkSize:         DefaultChunkSize,
		PreallocThreshold: DefaultPreallocThreshold,
		FDCacheCapacity:   DefaultFDCacheCapacity,
		UDPBufferBytes:    DefaultUDPBufferBytes,
		QUICConnWindow:    DefaultQUICConnWindowBytes,
		QUICStreamWindow:  DefaultQUICStreamWindowBytes,
		QUICMaxStreams:    DefaultQUICMaxStreams,
	}
	if serverURL := os.Getenv("THRUFLUX_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("THRUFLUX_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if peerID := os.Getenv("THRUFLUX_PEER_ID"); peerID != "" {
		cfg.PeerID = peerID
	}
	if joinCode := os.Getenv("THRUFLUX_JOIN_CODE"); joinCode != "" {
		cfg.JoinCode = joinCode
	}
	if outDir := os.Getenv("THRUFLUX_OUTPUT_DIR"); outDir != "" {
		cfg.OutputDirectory = outDir
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.JoinCode, "join-code", cfg.JoinCode, "session join code")
	fs.StringVar(&cfg.OutputDirectory, "output-dir", cfg.OutputDirectory, "directory to receive files into")
	fs.BoolVar(&cfg.Overwrite, "overwrite", false, "discard any existing resume state and start from byte 0")
	fs.IntVar(&cfg.FDCacheCapacity, "fd-cache-capacity", cfg.FDCacheCapacity, "max open file descriptors held by the receiver")
	fs.IntVar(&cfg.UDPBufferBytes, "udp-buffer-bytes", cfg.UDPBufferBytes, "requested UDP socket read/write buffer size")
	fs.IntVar(&cfg.QUICConnWindow, "quic-conn-window-bytes", cfg.QUICConnWindow, "QUIC connection flow-control receive window")
	fs.IntVar(&cfg.QUICStreamWindow, "quic-stream-window-bytes", cfg.QUICStreamWindow, "QUIC per-stream flow-control receive window")
	fs.IntVar(&cfg.QUICMaxStreams, "quic-max-streams", cfg.QUICMaxStreams, "max concurrent QUIC streams accepted per connection")

	var chunkSize, preallocThreshold uint64
	fs.Uint64Var(&chunkSize, "chunk-size", uint64(cfg.ChunkSize), "DATA stream chunk size in bytes")
	fs.Uint64Var(&preallocThreshold, "prealloc-threshold", cfg.PreallocThreshold, "file size above which disk space is preallocated")

	fs.Parse(args)

	cfg.ChunkSize = uint32(chunkSize)
	cfg.PreallocThreshold = preallocThreshold
	if cfg.FDCacheCapacity < 1 {
		cfg.FDCacheCapacity = 1
	}
	return cfg
}

// generatePeerID generates a random 10-character hex string for peer
// identification.
func generatePeerID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	out := ""
	for i, v := range *s {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
