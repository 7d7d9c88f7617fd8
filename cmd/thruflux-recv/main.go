// Command thruflux-recv joins a transfer by join code: it waits for the
// sender's manifest offer, accepts it, publishes its own ICE candidates,
// and then listens for the sender's direct QUIC connection to write the
// transferred files to disk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"

	"github.com/thruflux/thruflux/internal/config"
	"github.com/thruflux/thruflux/internal/ice"
	"github.com/thruflux/thruflux/internal/logging"
	"github.com/thruflux/thruflux/internal/quictransport"
	"github.com/thruflux/thruflux/internal/scheduler"
	"github.com/thruflux/thruflux/internal/transfer"
	"github.com/thruflux/thruflux/internal/transport"
	"github.com/thruflux/thruflux/internal/wsclient"
	"github.com/thruflux/thruflux/pkg/protocol"
)

func main() {
	cfg := config.ParseReceiverConfig()
	logger := logging.New("thruflux-recv", cfg.LogLevel)

	if cfg.JoinCode == "" {
		logger.Error("a join code is required (-join-code or THRUFLUX_JOIN_CODE)")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.OutputDirectory, 0o755); err != nil {
		logger.Error("create output directory", "error", err)
		os.Exit(1)
	}

	wsURL, err := buildWebSocketURL(cfg.ServerURL, cfg.JoinCode, cfg.PeerID, "receiver")
	if err != nil {
		logger.Error("bad server url", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		logger.Error("signaling dial failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	prober, err := ice.NewProber(ice.ProberConfig{StunServers: ice.DefaultStunServers}, logger)
	if err != nil {
		logger.Error("start prober", "error", err)
		os.Exit(1)
	}
	defer prober.Close()

	if udpConn, ok := prober.ListenPacket().(*net.UDPConn); ok {
		tuned := transport.ApplyUDPBeyondBestEffort(udpConn, cfg.UDPBufferBytes, cfg.UDPBufferBytes)
		logger.Debug("udp buffer tuning", "status", tuned.Status, "applied_r", tuned.AppliedR, "applied_w", tuned.AppliedW)
	}

	h := &receiverHandshake{
		logger:  logger,
		conn:    conn,
		prober:  prober,
		cfg:     cfg,
		started: make(chan struct{}),
	}

	go func() {
		if err := conn.ReadLoop(ctx, h.handleEnvelope); err != nil {
			logger.Info("signaling connection closed", "error", err)
		}
	}()

	<-h.started
	if h.acceptErr != nil {
		logger.Error("accept transfer", "error", h.acceptErr)
		os.Exit(1)
	}
	fmt.Printf("transfer complete: %d files, %d bytes\n", h.cc.FilesMoved, h.cc.BytesMoved)
}

func buildWebSocketURL(serverURL, joinCode, peerID, role string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("join_code", joinCode)
	q.Set("peer_id", peerID)
	q.Set("role", role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// receiverHandshake drives the signaling-side of the receiver: it
// accepts the sender's manifest offer, trades ICE candidates, and then
// runs the receive pipeline to completion once the sender dials in.
type receiverHandshake struct {
	logger *slog.Logger
	conn   *wsclient.Conn
	prober *ice.Prober
	cfg    config.ReceiverConfig

	senderID string

	started   chan struct{}
	cc        *transfer.ConnectionContext
	acceptErr error
}

func (h *receiverHandshake) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeManifestOffer:
		h.senderID = env.From
		h.acceptManifest(env)
	case protocol.TypeIceCandidates:
		var cands protocol.IceCandidates
		if err := env.DecodePayload(&cands); err != nil {
			return
		}
		go h.listenAndReceive(cands.Candidates)
		h.replyCandidates()
	case protocol.TypeError:
		var e protocol.Error
		if err := env.DecodePayload(&e); err == nil {
			h.logger.Warn("signaling error", "code", e.Code, "message", e.Message)
		}
	}
}

func (h *receiverHandshake) acceptManifest(env protocol.Envelope) {
	var offer protocol.ManifestOffer
	if err := env.DecodePayload(&offer); err != nil {
		h.logger.Error("decode manifest offer", "error", err)
		return
	}
	h.logger.Info("manifest offered", "files", offer.Summary.FileCount, "bytes", offer.Summary.TotalBytes)

	accept, err := protocol.NewEnvelope(protocol.TypeManifestAccept, protocol.NewMsgID(), protocol.ManifestAccept{
		Mode: "full",
	})
	if err != nil {
		h.logger.Error("build manifest accept", "error", err)
		return
	}
	accept.To = h.senderID
	if err := h.conn.Send(accept); err != nil {
		h.logger.Error("send manifest accept", "error", err)
	}
}

func (h *receiverHandshake) replyCandidates() {
	env, err := protocol.NewEnvelope(protocol.TypeIceCandidates, protocol.NewMsgID(), protocol.IceCandidates{
		Candidates: h.prober.GetProbingAddresses(),
	})
	if err != nil {
		h.logger.Error("build ice candidates", "error", err)
		return
	}
	env.To = h.senderID
	if err := h.conn.Send(env); err != nil {
		h.logger.Error("send ice candidates", "error", err)
	}
}

func (h *receiverHandshake) listenAndReceive(_ []string) {
	defer close(h.started)

	ctx := context.Background()
	quicConf, tuned := transport.BuildQuicConfig(quictransport.DefaultServerQUICConfig(), h.cfg.QUICConnWindow, h.cfg.QUICStreamWindow, h.cfg.QUICMaxStreams)
	h.logger.Debug("quic config tuning", "conn_window", tuned.ConnWin, "stream_window", tuned.StreamWin, "max_streams", tuned.MaxStreams)

	listener, err := quictransport.ListenWithConfig(ctx, h.prober.ListenPacket(), h.logger, quicConf)
	if err != nil {
		h.acceptErr = err
		return
	}

	lt := quictransport.NewListener(listener, h.logger)
	defer lt.Close()

	pipeline := transfer.NewReceiverPipeline(h.cfg.OutputDirectory, h.cfg.ChunkSize, h.cfg.PreallocThreshold, h.cfg.FDCacheCapacity, h.cfg.Overwrite)

	conn, err := lt.Accept(ctx)
	if err != nil {
		h.acceptErr = err
		return
	}

	sched := scheduler.New(1, func(o scheduler.Outcome) {
		h.cc = o.CC
		h.acceptErr = o.Err
	})
	sched.Run(ctx, conn, func(ctx context.Context, conn transfer.Conn) (*transfer.ConnectionContext, error) {
		return pipeline.Run(ctx, conn)
	})
	sched.Wait()
}
