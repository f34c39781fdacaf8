// Package session implements the per-connection state machine
// described in §4.5: framing, auth handoff, data forwarding, keepalive
// and teardown, all driven from a single owned TLS stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afoc/tls-vpn-server/internal/auth"
	"github.com/afoc/tls-vpn-server/internal/ippool"
	"github.com/afoc/tls-vpn-server/internal/protocol"
	"github.com/afoc/tls-vpn-server/internal/registry"
)

// State is one of the six states in the §4.5 diagram.
type State int

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config carries the immutable, process-wide settings a session needs
// that originate in the top-level configuration (§3 Configuration).
type Config struct {
	MaxFramePayload   uint32
	MTU               int
	DNS               []string
	Gateway           net.IP
	SubnetMask        net.IPMask
	KeepaliveEvery    time.Duration // ticker period for the idle check, §4.5
	KeepaliveProbeAt  time.Duration // idle threshold that triggers a server KEEPALIVE
	IdleTimeout       time.Duration // idle threshold that triggers teardown
	OutboundQueueSize int           // depth of the DATA_PACKET delivery queue
}

// Forwarder is the narrow surface a session needs from the packet
// router for the client→internet direction (§4.7).
type Forwarder interface {
	Forward(sourceIP net.IP, payload []byte)
}

// Registry is the narrow surface a session needs from the session
// registry (§4.6): binding its leased IP once authenticated, so the
// router's reverse path can find it, and removing itself at teardown.
type Registry interface {
	BindIP(id string, ip net.IP, s registry.Session)
	Unregister(id string)
}

// Session owns a TLS byte stream and the streaming buffer feeding the
// frame codec, and drives the state machine in §4.5.
type Session struct {
	ID         string
	RemoteAddr string

	conn net.Conn
	cfg  Config

	authSvc  *auth.Service
	pool     *ippool.Pool
	router   Forwarder
	registry Registry
	log      *zap.SugaredLogger

	mu            sync.Mutex
	state         State
	assignedIP    net.IP
	userID        uint64
	dbSessionID   string
	platform      string
	clientVersion string
	connectedAt   time.Time
	lastActivity  time.Time
	bytesSent     uint64
	bytesReceived uint64

	writeMu sync.Mutex
	sendCh  chan []byte
	done    chan struct{}
	once    sync.Once
}

// New constructs a session over an already-handshaked TLS connection.
// The session is not registered with anything and does not start
// running until Run is called.
func New(conn net.Conn, cfg Config, authSvc *auth.Service, pool *ippool.Pool, router Forwarder, reg Registry, log *zap.SugaredLogger) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   conn.RemoteAddr().String(),
		conn:         conn,
		cfg:          cfg,
		authSvc:      authSvc,
		pool:         pool,
		router:       router,
		registry:     reg,
		log:          log,
		state:        StateConnected,
		connectedAt:  now,
		lastActivity: now,
		sendCh:       make(chan []byte, max(cfg.OutboundQueueSize, 1)),
		done:         make(chan struct{}),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AssignedIP returns the session's leased address, or nil before
// Authenticated.
func (s *Session) AssignedIP() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignedIP
}

// Stats returns the session's byte counters.
func (s *Session) Stats() (sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent, s.bytesReceived
}

// Run drives the session until teardown: it starts the writer and
// keepalive goroutines and blocks in the read loop until the stream
// closes or a fatal condition is hit, then runs cleanup. Run always
// returns after cleanup has completed, regardless of how the session
// ended, including context cancellation from the caller (e.g.
// supervisor shutdown).
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	go s.writerLoop()
	go s.keepaliveLoop()

	go func() {
		select {
		case <-ctx.Done():
			s.transitionToDisconnecting("shutdown")
			_ = s.conn.Close()
		case <-s.done:
		}
	}()

	s.readLoop()
}

// Disconnect requests teardown from the outside; the supervisor's
// shutdown sequence calls it on every registered session. It moves the
// session to Disconnecting and closes the stream without first writing
// a DISCONNECT frame, so the DISCONNECT that cleanup then attempts
// fails on the closed stream and does not reach the client.
func (s *Session) Disconnect() {
	s.transitionToDisconnecting("server shutdown")
	_ = s.conn.Close()
}

func (s *Session) readLoop() {
	var buf []byte
	tmp := make([]byte, 32*1024)

	for {
		n, err := s.conn.Read(tmp)
		if n > 0 {
			s.mu.Lock()
			s.bytesReceived += uint64(n)
			s.mu.Unlock()
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debugw("session stream read error", "session_id", s.ID, "error", err)
			}
			s.transitionToDisconnecting("stream closed")
			return
		}

		msgs, residual, decErr := protocol.DecodeAll(buf, s.cfg.MaxFramePayload)
		for _, m := range msgs {
			s.handleMessage(m)
			if s.State() >= StateDisconnecting {
				return
			}
		}
		if decErr != nil {
			s.log.Warnw("framing error, tearing down session", "session_id", s.ID, "error", decErr)
			s.transitionToDisconnecting("framing error")
			return
		}
		buf = append([]byte(nil), residual...)
	}
}

func (s *Session) handleMessage(m *protocol.Message) {
	s.touchActivity()

	state := s.State()

	switch {
	case m.Type == protocol.TypeAuthRequest:
		s.handleAuthRequest(m, state)
	case state == StateActive && m.Type == protocol.TypeDataPacket:
		s.handleDataPacket(m.Payload)
	case state == StateActive && m.Type == protocol.TypeKeepalive:
		s.handleKeepalive()
	case state == StateActive && m.Type == protocol.TypeKeepaliveAck:
		// client acking a server-sent probe also resets idle, per §9.
	case state == StateActive && m.Type == protocol.TypeDisconnect:
		s.transitionToDisconnecting("client disconnect")
	case protocol.IsControl(m.Type):
		s.log.Warnw("control message ignored for current state", "session_id", s.ID, "state", state.String(), "type", m.Type)
	case protocol.IsDataRange(m.Type) && m.Type != protocol.TypeDataPacket:
		s.log.Debugw("unknown data-range tag dropped", "session_id", s.ID, "type", m.Type)
	case m.Type < protocol.TypeDataPacket:
		s.log.Warnw("unassigned control tag ignored", "session_id", s.ID, "type", m.Type)
	default:
		// DATA_PACKET received before Active: dropped silently, no log.
	}
}

func (s *Session) handleAuthRequest(m *protocol.Message, state State) {
	if state == StateAuthenticating {
		s.log.Warnw("duplicate AUTH_REQUEST ignored", "session_id", s.ID)
		return
	}
	if state != StateConnected {
		// AUTH_REQUEST sent after the handshake window: treated as a
		// stream-level protocol violation.
		s.transitionToDisconnecting("unexpected AUTH_REQUEST")
		return
	}

	s.setState(StateAuthenticating)

	req, err := protocol.UnmarshalAuthRequest(m.Payload)
	if err != nil {
		s.failAuth(protocol.MsgInternalError)
		return
	}

	s.mu.Lock()
	s.platform = string(req.Platform)
	s.clientVersion = req.ClientVersion
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.authSvc.Authenticate(ctx, req.Username, req.Password, string(req.Platform), s.RemoteAddr)
	if err != nil {
		s.failAuth(authFailureMessage(err))
		return
	}

	ip, err := s.pool.Allocate()
	if err != nil {
		s.failAuth(protocol.MsgNoAvailableIP)
		return
	}

	dbID, err := s.authSvc.CreateSession(ctx, result.UserID, result.MaxConcurrentSessions, ip, string(req.Platform), s.RemoteAddr, req.ClientVersion)
	if err != nil {
		s.pool.Release(ip)
		s.failAuth(authFailureMessage(err))
		return
	}

	s.mu.Lock()
	s.userID = result.UserID
	s.assignedIP = ip
	s.dbSessionID = dbID
	s.state = StateAuthenticated
	s.mu.Unlock()

	respPayload, _ := protocol.MarshalAuthResponse(protocol.AuthResponse{Success: true, SessionToken: result.SessionToken})
	if err := s.sendFrame(protocol.TypeAuthResponse, respPayload); err != nil {
		s.transitionToDisconnecting("write error")
		return
	}

	pushPayload, _ := protocol.MarshalConfigPush(protocol.ConfigPush{
		AssignedIP:        ip.String(),
		SubnetMask:        maskString(s.cfg.SubnetMask),
		Gateway:           s.cfg.Gateway.String(),
		DNS:               s.cfg.DNS,
		MTU:               s.cfg.MTU,
		KeepaliveInterval: int(s.cfg.KeepaliveEvery.Seconds()),
	})
	if err := s.sendFrame(protocol.TypeConfigPush, pushPayload); err != nil {
		s.transitionToDisconnecting("write error")
		return
	}

	s.registry.BindIP(s.ID, ip, s)
	s.setState(StateActive)
	s.log.Infow("session active", "session_id", s.ID, "assigned_ip", ip.String(), "user_id", result.UserID)
}

func maskString(mask net.IPMask) string {
	if len(mask) == 4 {
		return net.IPv4(mask[0], mask[1], mask[2], mask[3]).String()
	}
	return mask.String()
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return protocol.MsgInvalidCredentials
	case errors.Is(err, auth.ErrAccountDisabled):
		return protocol.MsgAccountDisabled
	case errors.Is(err, auth.ErrMaxConnections):
		return protocol.MsgMaxConnections
	default:
		return protocol.MsgInternalError
	}
}

func (s *Session) failAuth(message string) {
	payload, _ := protocol.MarshalAuthResponse(protocol.AuthResponse{Success: false, ErrorMessage: message})
	_ = s.sendFrame(protocol.TypeAuthResponse, payload)
	s.transitionToDisconnecting(message)
}

func (s *Session) handleDataPacket(payload []byte) {
	ip := s.AssignedIP()
	if ip == nil {
		return
	}
	s.router.Forward(ip, payload)
}

func (s *Session) handleKeepalive() {
	_ = s.sendFrame(protocol.TypeKeepaliveAck, nil)
}

// Deliver pushes a packet arriving from the TUN interface toward this
// client as a DATA_PACKET frame. It never blocks the caller (the
// router's TUN-read goroutine): if the per-session outbound queue is
// full, the packet is dropped and logged, mirroring the bridge's
// "socket buffer full, skip this packet" discipline (§11).
func (s *Session) Deliver(packet []byte) {
	frame, err := protocol.Encode(protocol.TypeDataPacket, packet, s.cfg.MaxFramePayload)
	if err != nil {
		s.log.Warnw("dropping oversized outbound packet", "session_id", s.ID, "error", err)
		return
	}
	select {
	case s.sendCh <- frame:
	default:
		s.log.Warnw("outbound queue full, dropping packet", "session_id", s.ID)
	}
}

// sendFrame encodes and writes a control frame directly, blocking the
// caller until the write completes. Used for the low-volume control
// messages (AUTH_RESPONSE, CONFIG_PUSH, KEEPALIVE_ACK, DISCONNECT).
func (s *Session) sendFrame(t protocol.Type, payload []byte) error {
	frame, err := protocol.Encode(t, payload, s.cfg.MaxFramePayload)
	if err != nil {
		return err
	}
	return s.writeRaw(frame)
}

func (s *Session) writeRaw(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("session: write: %w", err)
	}

	s.mu.Lock()
	s.bytesSent += uint64(len(frame))
	s.mu.Unlock()
	return nil
}

func (s *Session) writerLoop() {
	for {
		select {
		case frame, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.writeRaw(frame); err != nil {
				s.log.Debugw("outbound write failed", "session_id", s.ID, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Since(s.getLastActivity())
			if idle > s.cfg.IdleTimeout {
				s.log.Infow("session idle timeout", "session_id", s.ID, "idle", idle)
				s.transitionToDisconnecting("idle timeout")
				_ = s.sendFrame(protocol.TypeDisconnect, nil)
				_ = s.conn.Close()
				return
			}
			if idle > s.cfg.KeepaliveProbeAt {
				_ = s.sendFrame(protocol.TypeKeepalive, nil)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) getLastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setState(v State) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

func (s *Session) transitionToDisconnecting(reason string) {
	s.mu.Lock()
	if s.state >= StateDisconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	s.mu.Unlock()
	s.log.Debugw("session disconnecting", "session_id", s.ID, "reason", reason)
}

// cleanup implements §4.5 transition 7: Disconnecting → Disconnected.
func (s *Session) cleanup() {
	s.once.Do(func() {
		close(s.done)

		_ = s.sendFrame(protocol.TypeDisconnect, nil) // best-effort, stream may already be dead
		_ = s.conn.Close()

		s.mu.Lock()
		ip := s.assignedIP
		dbID := s.dbSessionID
		userID := s.userID
		platform := s.platform
		sent, recv := s.bytesSent, s.bytesReceived
		s.state = StateDisconnected
		s.mu.Unlock()

		if ip != nil {
			s.pool.Release(ip)
		}
		if dbID != "" {
			s.authSvc.UpdateSessionStats(context.Background(), dbID, sent, recv)
			s.authSvc.EndSession(context.Background(), dbID, userID, platform, s.RemoteAddr)
		}
		if s.registry != nil {
			s.registry.Unregister(s.ID)
		}

		s.log.Infow("session disconnected", "session_id", s.ID, "bytes_sent", sent, "bytes_received", recv)
	})
}
