package ice

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	pionice "github.com/pion/ice/v2"
	"github.com/pion/stun"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"
)

// ProberConfig holds configuration for the network prober.
type ProberConfig struct {
	StunServers []string
	PreferLAN   bool
}

// DefaultStunServers is the STUN list used when no servers provided.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Prober manages network discovery and probing.
type Prober struct {
	config     ProberConfig
	logger     *slog.Logger
	udpConn    *net.UDPConn
	transport  *quic.Transport
	publicAddrs []net.Addr
	mu         sync.Mutex
}

// NewProber creates a new network prober.
// It opens a UDP socket for listening and probing.
func NewProber(cfg ProberConfig, logger *slog.Logger) (*Prober, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	// Open a single UDP socket for everything.
	// Prefer dual-stack to allow IPv4+IPv6 candidates.
	udpAddr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local address: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		// Fallback to IPv4-only if dual-stack isn't available.
		udpAddr, err = net.ResolveUDPAddr("udp4", ":0")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local address: %w", err)
		}
		conn, err = net.ListenUDP("udp4", udpAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	p := &Prober{
		config:  cfg,
		logger:  logger,
		udpConn: conn,
	}

	// Resolve public address via STUN
	if err := p.resolvePublicAddr(); err != nil {
		logger.Warn("failed to resolve public address (STUN)", "error", err)
	}

	return p, nil
}

// LocalAddr returns the local address of the underlying UDP socket.
func (p *Prober) LocalAddr() net.Addr {
	return p.udpConn.LocalAddr()
}

// PublicAddr returns one public address discovered via STUN, or nil if failed.
func (p *Prober) PublicAddr() net.Addr {
	if len(p.publicAddrs) == 0 {
		return nil
	}
	return p.publicAddrs[0]
}

// ListenPacket returns the underlying UDP connection to be used for QUIC listening.
func (p *Prober) ListenPacket() net.PacketConn {
	return p.udpConn
}

// Close closes the underlying UDP connection or transport.
func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport != nil {
		return p.transport.Close()
	}
	return p.udpConn.Close()
}

// Transport returns the underlying quic.Transport, initializing it if needed.
// This allows callers to use the same transport for both dialing and listening.
func (p *Prober) Transport() *quic.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		p.transport = &quic.Transport{
			Conn: p.udpConn,
		}
	}
	return p.transport
}

// GetProbingAddresses returns a list of local and public addresses to share with peers.
func (p *Prober) GetProbingAddresses() []string {
	var candidates []string

	// 1. Local Interface IPs (LAN)
	ifaces, err := net.Interfaces()
	if err != nil {
		p.logger.Error("failed to list interfaces", "error", err)
	} else {
		for _, iface := range ifaces {
			// Skip down interfaces
			if iface.Flags&net.FlagUp == 0 {
				continue
			}

			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}

			_, portStr, _ := net.SplitHostPort(p.udpConn.LocalAddr().String())

			for _, addr := range addrs {
				var ip net.IP
				switch v := addr.(type) {
				case *net.IPNet:
					ip = v.IP
				case *net.IPAddr:
					ip = v.IP
				}

				if ip == nil || ip.IsMulticast() || ip.IsUnspecified() {
					continue
				}

				// Allow both IPv4 and IPv6
				// ip.String() handles IPv6 format (e.g. ::1) correctly.
				// net.JoinHostPort handles wrapping IPv6 in brackets [::1]:port.
				host := ip.String()
				if ip.IsLinkLocalUnicast() {
					// Link-local IPv6 needs a zone (interface name) to be dialable.
					host = (&net.IPAddr{IP: ip, Zone: iface.Name}).String()
				}
				cand := net.JoinHostPort(host, portStr)
				p.logger.Debug("local candidate", "addr", cand, "network", networkType(ip))
				candidates = append(candidates, cand)
			}
		}
	}

	// 2. Public IPs (WAN)
	if len(p.publicAddrs) > 0 {
		for _, addr := range p.publicAddrs {
			candidates = append(candidates, addr.String())
		}
	}

	// Log gathered
	p.logger.Info("gathered probing candidates", "count", len(candidates), "candidates", candidates)

	return candidates
}

// ProbeState represents the state of an individual address probe.
type ProbeState int

const (
	ProbeStateProbing ProbeState = iota
	ProbeStateFailed
	ProbeStateWon
)

func (s ProbeState) String() string {
	switch s {
	case ProbeStateProbing:
		return "probing"
	case ProbeStateFailed:
		return "failed"
	case ProbeStateWon:
		return "won"
	default:
		return "unknown"
	}
}

// ProbeUpdate represents a status update for a single address probe.
type ProbeUpdate struct {
	Addr  string
	State ProbeState
	Err   error
}

// ProbeAndDial concurrently dials the given list of remote addresses using QUIC.
// It returns the first successfully established connection.
func (p *Prober) ProbeAndDial(ctx context.Context, remoteCandidates []string, tlsConf any, quicConf *quic.Config, onUpdate func(ProbeUpdate)) (*quic.Conn, error) {
	// Initialize Transport if not already done.
	// We do this here (lazy init) or we could do it earlier, but STUN works better on raw UDP.
	p.mu.Lock()
	if p.transport == nil {
		p.transport = &quic.Transport{
			Conn: p.udpConn,
		}
	}
	p.mu.Unlock()

	// Helper to parse address
	parseAddr := func(addrStr string) (net.Addr, error) {
		return net.ResolveUDPAddr("udp", addrStr)
	}

	// We use a child context for dialing to cancel losers
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *quic.Conn, 1)

	// Track active attempts
	var wg sync.WaitGroup

	dialCandidate := func(addrStr string) {
		defer wg.Done()

		if onUpdate != nil {
			onUpdate(ProbeUpdate{Addr: addrStr, State: ProbeStateProbing})
		}

		udpAddr, err := parseAddr(addrStr)
		if err != nil {
			p.logger.Warn("invalid remote candidate", "addr", addrStr, "error", err)
			if onUpdate != nil {
				onUpdate(ProbeUpdate{Addr: addrStr, State: ProbeStateFailed, Err: err})
			}
			return
		}

		p.logger.Debug("probing candidate", "addr", addrStr)

		// Use Transport.Dial
		conn, err := p.transport.Dial(ctx, udpAddr, tlsConf.(*tls.Config), quicConf)
		if err != nil {
			p.logger.Debug("probe failed", "addr", addrStr, "error", err)
			if onUpdate != nil {
				onUpdate(ProbeUpdate{Addr: addrStr, State: ProbeStateFailed, Err: err})
			}
			return
		}

		// Success!
		select {
		case resultCh <- conn:
			p.logger.Info("probe won", "addr", addrStr)
			if onUpdate != nil {
				onUpdate(ProbeUpdate{Addr: addrStr, State: ProbeStateWon})
			}
		default:
			// Lost the race, close this connection
			conn.CloseWithError(0, "race_lost")
		}
	}

	uniqueCandidates := make(map[string]bool)
	for _, c := range remoteCandidates {
		uniqueCandidates[c] = true
	}

	for c := range uniqueCandidates {
		wg.Add(1)
		go dialCandidate(c)
	}

	// Wait for all to finish in a separate goroutine to detect failure
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case conn := <-resultCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-allDone:
		return nil, fmt.Errorf("all probes failed")
	}
}

// stunRetriesPerServer bounds how many times a single STUN server is
// retried before moving to the next one; UDP binding requests are
// unacknowledged, so a lost request or response looks identical to a
// dead server.
const stunRetriesPerServer = 3

// stunRetryBurst caps how many STUN requests may go out back-to-back
// before the limiter starts pacing them, keeping a burst of servers x
// retries from all firing in the same instant.
const stunRetryBurst = 4

func (p *Prober) resolvePublicAddr() error {
	servers := DefaultStunServers
	if len(p.config.StunServers) > 0 {
		servers = p.config.StunServers
	}

	limiter := rate.NewLimiter(rate.Every(150*time.Millisecond), stunRetryBurst)
	ctx := context.Background()

	var resolved bool
	seen := make(map[string]struct{})
	for _, server := range servers {
		addrStr := strings.TrimPrefix(server, "stun:")
		serverAddrs, err := resolveStunAddrs(addrStr)
		if err != nil {
			p.logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}

		for _, serverAddr := range serverAddrs {
			for attempt := 0; attempt < stunRetriesPerServer; attempt++ {
				if err := limiter.Wait(ctx); err != nil {
					return fmt.Errorf("stun retry limiter: %w", err)
				}
				mapped, err := p.stunRequest(serverAddr)
				if err != nil {
					p.logger.Debug("stun request failed", "server", serverAddr, "attempt", attempt, "error", err)
					continue
				}
				key := mapped.String()
				if _, ok := seen[key]; !ok {
					seen[key] = struct{}{}
					p.publicAddrs = append(p.publicAddrs, mapped)
					p.logger.Info("public address resolved", "addr", mapped)
					resolved = true
				}
				break
			}
		}
	}

	if !resolved {
		return fmt.Errorf("all STUN servers failed")
	}
	return nil
}

// stunRequest sends one binding request to serverAddr over the
// prober's own UDP socket and decodes the mapped address from the
// response.
func (p *Prober) stunRequest(serverAddr *net.UDPAddr) (*net.UDPAddr, error) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	if _, err := p.udpConn.WriteToUDP(msg.Raw, serverAddr); err != nil {
		return nil, err
	}

	buf := make([]byte, 1024)
	p.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	n, _, err := p.udpConn.ReadFromUDP(buf)
	p.udpConn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return nil, fmt.Errorf("no mapped address in STUN response")
}

// networkType classifies a candidate IP the way pion/ice's UDP mux does,
// so probing logs distinguish IPv4 from IPv6 local candidates.
func networkType(ip net.IP) pionice.NetworkType {
	if ip.To4() == nil {
		return pionice.NetworkTypeUDP6
	}
	return pionice.NetworkTypeUDP4
}

func resolveStunAddrs(addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			return nil, err
		}
		return []*net.UDPAddr{addr}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return addrs, nil
}
