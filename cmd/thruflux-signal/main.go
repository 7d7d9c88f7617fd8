// Command thruflux-signal runs the rendezvous server that brokers
// join-code sessions and peer presence for Thruflux transfers. It never
// sees file bytes: once a sender and receiver have exchanged manifest
// and ICE information over it, the actual transfer moves to a direct
// QUIC connection between them.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thruflux/thruflux/internal/config"
	"github.com/thruflux/thruflux/internal/logging"
	"github.com/thruflux/thruflux/internal/peers"
	"github.com/thruflux/thruflux/internal/session"
	"github.com/thruflux/thruflux/pkg/protocol"
)

const sessionTTL = 30 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg := config.ParseSignalConfig()
	logger := logging.New("thruflux-signal", cfg.LogLevel)

	store := session.NewStore(sessionTTL)
	hub := peers.NewHub()

	go expireSessionsPeriodically(store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/session", handleCreateSession(store, logger))
	mux.HandleFunc("/ws", handleWebSocket(store, hub, logger))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signaling server listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	case <-stop:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func expireSessionsPeriodically(store *session.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if n := store.CleanupExpired(time.Now()); n > 0 {
			logger.Info("expired sessions", "count", n)
		}
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func handleCreateSession(store *session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sess := store.Create()
		resp := map[string]string{
			"session_id": sess.ID,
			"join_code":  sess.JoinCode,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	}
}

func handleWebSocket(store *session.Store, hub *peers.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		joinCode := q.Get("join_code")
		peerID := q.Get("peer_id")
		role := q.Get("role")
		if joinCode == "" || peerID == "" || role == "" {
			http.Error(w, "join_code, peer_id and role are required", http.StatusBadRequest)
			return
		}

		sess, ok := store.GetByJoinCode(joinCode)
		if !ok {
			http.Error(w, "unknown join code", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		connID := protocol.NewMsgID()
		peer := peers.Peer{PeerID: peerID, Role: role, ConnID: connID}

		remove, err := hub.Add(sess.ID, peer, func(env protocol.Envelope) error {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteJSON(env)
		})
		if err != nil {
			errEnv, _ := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{Message: err.Error()})
			conn.WriteJSON(errEnv)
			conn.Close()
			return
		}
		defer remove()
		defer conn.Close()

		joined, _ := protocol.NewEnvelope(protocol.TypePeerJoined, protocol.NewMsgID(), protocol.PeerJoined{
			Peer: protocol.PeerInfo{PeerID: peerID, Role: role},
		})
		joined.SessionID = sess.ID
		hub.BroadcastExcept(sess.ID, peerID, joined)

		listEnv, _ := protocol.NewEnvelope(protocol.TypePeerList, protocol.NewMsgID(), protocol.PeerList{
			Peers: hub.List(sess.ID),
		})
		listEnv.SessionID = sess.ID
		hub.SendTo(sess.ID, peerID, listEnv)

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var env protocol.Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				continue
			}
			env.From = peerID
			env.SessionID = sess.ID

			if env.To != "" {
				hub.SendTo(sess.ID, env.To, env)
			} else {
				hub.BroadcastExcept(sess.ID, peerID, env)
			}
		}

		left, _ := protocol.NewEnvelope(protocol.TypePeerLeft, protocol.NewMsgID(), protocol.PeerLeft{PeerID: peerID})
		left.SessionID = sess.ID
		hub.BroadcastExcept(sess.ID, peerID, left)
	}
}
