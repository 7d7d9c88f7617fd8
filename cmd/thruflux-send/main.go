// Command thruflux-send hosts a transfer: it scans one or more local
// paths into a manifest, publishes a join code on the signaling server,
// and streams the scanned files to every receiver that attaches,
// dialing each one directly over QUIC once ICE has produced a reachable
// address.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thruflux/thruflux/internal/appstate"
	"github.com/thruflux/thruflux/internal/config"
	"github.com/thruflux/thruflux/internal/ice"
	"github.com/thruflux/thruflux/internal/logging"
	"github.com/thruflux/thruflux/internal/quictransport"
	"github.com/thruflux/thruflux/internal/scheduler"
	"github.com/thruflux/thruflux/internal/transfer"
	"github.com/thruflux/thruflux/internal/transport"
	"github.com/thruflux/thruflux/internal/wsclient"
	"github.com/thruflux/thruflux/pkg/manifest"
	"github.com/thruflux/thruflux/pkg/protocol"
)

func main() {
	cfg := config.ParseSenderConfig()
	logger := logging.New("thruflux-send", cfg.LogLevel)

	m, err := scanPaths(cfg.Paths)
	if err != nil {
		logger.Error("scan failed", "error", err)
		os.Exit(1)
	}
	logger.Info("scanned manifest", "files", len(m.Files), "bytes", m.TotalBytes())

	sessionID, joinCode, err := createSession(cfg.ServerURL)
	if err != nil {
		logger.Error("create session failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("join code: %s\n", joinCode)
	logger.Info("session created", "session_id", sessionID, "join_code", joinCode)

	wsURL, err := buildWebSocketURL(cfg.ServerURL, joinCode, cfg.PeerID, "sender")
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

	registry := appstate.NewRegistry(cfg.MaxReceivers)
	sched := scheduler.New(cfg.MaxReceivers, func(o scheduler.Outcome) {
		if o.Err != nil {
			logger.Error("transfer failed", "error", o.Err)
			return
		}
		logger.Info("transfer finished", "bytes_moved", o.CC.BytesMoved, "files_moved", o.CC.FilesMoved)
	})

	h := &senderHandshake{
		logger:           logger,
		conn:             conn,
		m:                m,
		registry:         registry,
		scheduler:        sched,
		chunkSize:        cfg.ChunkSize,
		udpBufferBytes:   cfg.UDPBufferBytes,
		quicConnWindow:   cfg.QUICConnWindow,
		quicStreamWindow: cfg.QUICStreamWindow,
		quicMaxStreams:   cfg.QUICMaxStreams,
	}

	if err := conn.ReadLoop(ctx, h.handleEnvelope); err != nil {
		logger.Info("signaling connection closed", "error", err)
	}
	sched.Wait()
}

func scanPaths(paths []string) (manifest.Manifest, error) {
	if len(paths) == 1 {
		return manifest.Scan(paths[0])
	}

	var files []manifest.File
	for _, root := range paths {
		m, err := manifest.Scan(root)
		if err != nil {
			return manifest.Manifest{}, err
		}
		prefix := filepath.Base(filepath.Clean(root))
		for _, f := range m.Files {
			f.RelPath = prefix + "/" + f.RelPath
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	for i := range files {
		files[i].ID = uint32(i)
	}
	return manifest.Manifest{Files: files}, nil
}

func createSession(serverURL string) (sessionID, joinCode string, err error) {
	resp, err := http.Post(serverURL+"/session", "application/json", nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"session_id"`
		JoinCode  string `json:"join_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", err
	}
	return body.SessionID, body.JoinCode, nil
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

// senderHandshake drives the signaling-side of the sender: it reacts to
// receivers joining, offers the manifest, exchanges ICE candidates, and
// dials each accepted receiver directly over QUIC.
type senderHandshake struct {
	logger    *slog.Logger
	conn      *wsclient.Conn
	m         manifest.Manifest
	registry  *appstate.Registry
	scheduler *scheduler.Scheduler
	chunkSize uint32

	udpBufferBytes   int
	quicConnWindow   int
	quicStreamWindow int
	quicMaxStreams   int
}

func (h *senderHandshake) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePeerJoined:
		var p protocol.PeerJoined
		if err := env.DecodePayload(&p); err != nil || p.Peer.Role != "receiver" {
			return
		}
		h.offerManifest(p.Peer.PeerID)
	case protocol.TypePeerList:
		var list protocol.PeerList
		if err := env.DecodePayload(&list); err != nil {
			return
		}
		for _, p := range list.Peers {
			if p.Role == "receiver" {
				h.offerManifest(p.PeerID)
			}
		}
	case protocol.TypeManifestAccept:
		var accept protocol.ManifestAccept
		if err := env.DecodePayload(&accept); err != nil {
			return
		}
		h.beginTransfer(env.From)
	case protocol.TypeIceCandidates:
		var cands protocol.IceCandidates
		if err := env.DecodePayload(&cands); err != nil {
			return
		}
		h.dialReceiver(env.From, cands.Candidates)
	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err == nil {
			h.registry.Remove(left.PeerID)
		}
	case protocol.TypeError:
		var e protocol.Error
		if err := env.DecodePayload(&e); err == nil {
			h.logger.Warn("signaling error", "code", e.Code, "message", e.Message)
		}
	}
}

func (h *senderHandshake) offerManifest(receiverID string) {
	if _, err := h.registry.Add(receiverID); err != nil {
		h.logger.Warn("rejecting receiver, at capacity", "receiver_id", receiverID)
		return
	}

	root := ""
	if len(h.m.Files) > 0 {
		root = strings.SplitN(h.m.Files[0].RelPath, "/", 2)[0]
	}
	env, err := protocol.NewEnvelope(protocol.TypeManifestOffer, protocol.NewMsgID(), protocol.ManifestOffer{
		Summary: protocol.ManifestSummary{
			TotalBytes: int64(h.m.TotalBytes()),
			FileCount:  len(h.m.Files),
			RootName:   root,
		},
	})
	if err != nil {
		h.logger.Error("build manifest offer", "error", err)
		return
	}
	env.To = receiverID
	if err := h.conn.Send(env); err != nil {
		h.logger.Error("send manifest offer", "error", err)
	}
}

func (h *senderHandshake) beginTransfer(receiverID string) {
	r, ok := h.registry.Get(receiverID)
	if !ok {
		return
	}
	r.SetStatus(appstate.StatusConnecting)

	prober, err := ice.NewProber(ice.ProberConfig{StunServers: ice.DefaultStunServers}, h.logger)
	if err != nil {
		h.logger.Error("start prober", "receiver_id", receiverID, "error", err)
		return
	}
	if udpConn, ok := prober.ListenPacket().(*net.UDPConn); ok {
		tuned := transport.ApplyUDPBeyondBestEffort(udpConn, h.udpBufferBytes, h.udpBufferBytes)
		h.logger.Debug("udp buffer tuning", "receiver_id", receiverID, "status", tuned.Status, "applied_r", tuned.AppliedR, "applied_w", tuned.AppliedW)
	}
	r.SetProber(prober)

	env, err := protocol.NewEnvelope(protocol.TypeIceCandidates, protocol.NewMsgID(), protocol.IceCandidates{
		Candidates: prober.GetProbingAddresses(),
	})
	if err != nil {
		h.logger.Error("build ice candidates", "error", err)
		return
	}
	env.To = receiverID
	if err := h.conn.Send(env); err != nil {
		h.logger.Error("send ice candidates", "error", err)
	}
}

func (h *senderHandshake) dialReceiver(receiverID string, candidates []string) {
	r, ok := h.registry.Get(receiverID)
	if !ok || r.Prober() == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	tlsConf := quictransport.ClientConfig()
	quicConf, tuned := transport.BuildQuicConfig(quictransport.DefaultClientQUICConfig(), h.quicConnWindow, h.quicStreamWindow, h.quicMaxStreams)
	h.logger.Debug("quic config tuning", "receiver_id", receiverID, "conn_window", tuned.ConnWin, "stream_window", tuned.StreamWin, "max_streams", tuned.MaxStreams)

	quicConn, err := r.Prober().ProbeAndDial(ctx, candidates, tlsConf, quicConf, func(u ice.ProbeUpdate) {
		h.logger.Debug("probe update", "receiver_id", receiverID, "addr", u.Addr, "state", u.State.String())
	})
	if err != nil {
		h.logger.Error("dial receiver failed", "receiver_id", receiverID, "error", err)
		r.SetStatus(appstate.StatusFailed)
		return
	}

	dialer := quictransport.NewDialer(quicConn, h.logger)
	tConn, err := dialer.Dial(ctx, receiverID)
	if err != nil {
		h.logger.Error("adapt quic conn", "receiver_id", receiverID, "error", err)
		return
	}

	r.SetStatus(appstate.StatusTransfer)
	pipeline := transfer.NewSenderPipeline(h.m, h.chunkSize)
	h.scheduler.Run(context.Background(), tConn, func(ctx context.Context, conn transfer.Conn) (*transfer.ConnectionContext, error) {
		cc, err := pipeline.Run(ctx, conn)
		if cc != nil {
			r.SetConnectionContext(cc)
		}
		if err != nil {
			r.SetStatus(appstate.StatusFailed)
		} else {
			r.SetStatus(appstate.StatusComplete)
		}
		return cc, err
	})
}
