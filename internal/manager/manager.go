// Package manager implements the broker's core runtime: the slave roster,
// the session table, slave selection policy, heartbeat/retirement
// supervision, and the routing of inbound slave frames back to clients.
package manager

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/bufpool"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/config"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/frame"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/metrics"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/session"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/slave"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/vetting"
)

// HeartbeatInterval is how often the manager sends a Heartbeat command to
// each live slave.
var HeartbeatInterval = 15 * time.Second

// HeartbeatTimeout is the longest a slave may go without a valid heartbeat
// reply before it is retired.
var HeartbeatTimeout = 45 * time.Second

// ErrNoLiveSlave is returned by OpenSession when the roster is empty; the
// SOCKS5 front-end must translate this into reply code 0x03.
var ErrNoLiveSlave = fmt.Errorf("manager: no live slave available")

// Manager owns the slave roster, the session table, and the sticky
// assignment map. A single coarse mutex guards all three because every
// operation on them is a short map insert/remove/lookup; it is never held
// across socket I/O.
type Manager struct {
	mu         sync.Mutex
	slaves     map[uint64]*slave.Slave
	sticky     map[string]uint64
	nextSlave  uint64
	nextSess   uint32
	proxyMode  int
	allowedLoc []string

	sessions *session.Table
	pool     *bufpool.Pool
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// New builds a Manager. proxyMode is config.ModeSticky or
// config.ModeNonSticky.
func New(cfg *config.Config, pool *bufpool.Pool, m *metrics.Metrics, log *logrus.Entry) *Manager {
	return &Manager{
		slaves:     make(map[uint64]*slave.Slave),
		sticky:     make(map[string]uint64),
		proxyMode:  cfg.ProxyMode,
		allowedLoc: cfg.AllowedLocations,
		sessions:   session.NewTable(),
		pool:       pool,
		metrics:    m,
		log:        log,
	}
}

// AdmitSlave vets a freshly accepted connection and, on success, registers
// it in the roster and spawns its read and heartbeat goroutines. On
// rejection the connection is closed and the manager continues running.
func (m *Manager) AdmitSlave(conn net.Conn) {
	m.metrics.SlaveTotalConnections.Inc()

	id := atomic.AddUint64(&m.nextSlave, 1)
	s := slave.New(id, conn)
	log := m.log.WithField("slave", s.String())

	if err := vetting.Run(s, m.allowedLoc, log); err != nil {
		log.WithError(err).Warn("slave rejected during vetting")
		s.Close()
		return
	}

	m.mu.Lock()
	m.slaves[id] = s
	m.mu.Unlock()

	m.metrics.SlaveActiveConnections.Inc()
	log.WithField("version", s.Version()).
		WithField("country", s.Location()).
		WithField("speed_mbps", s.Speed()).
		Info("slave admitted")

	go m.readLoop(s)
	go m.heartbeatLoop(s)
}

// readLoop is the single dedicated goroutine permitted to call
// s.ReadFrame; it demultiplexes inbound frames until the connection fails
// or an unknown packet kind forces termination.
func (m *Manager) readLoop(s *slave.Slave) {
	log := m.log.WithField("slave", s.String())
	defer m.retire(s)

	for {
		f, err := s.ReadFrame()
		if err != nil {
			log.WithError(err).Debug("slave read loop ending")
			return
		}

		switch f.Kind {
		case frame.KindData:
			m.routeToClient(s, f.Session, f.Payload)

		case frame.KindCommand:
			if f.Command == frame.CmdHeartbeat && string(f.Payload) == frame.AliveLiteral {
				s.Touch()
				continue
			}
			log.WithField("command", f.Command).Debug("dropping unsupported command frame")

		default:
			log.Warn("unknown packet kind, terminating slave")
			return
		}
	}
}

// routeToClient writes a Data frame's payload to the matching session's
// client socket. A zero-length payload or a write failure both close the
// session; an unknown session id is dropped silently.
func (m *Manager) routeToClient(s *slave.Slave, sessionID uint32, payload []byte) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return
	}

	if len(payload) == 0 {
		m.closeSession(s, sess, false)
		return
	}

	n, err := sess.ClientWriter.Write(payload)
	if err != nil || n < len(payload) {
		m.closeSession(s, sess, true)
	}
}

// closeSession removes sess from the table, closes its client socket, and
// - if notifySlave is true - tells the slave the session is gone via a
// zero-length Data frame.
func (m *Manager) closeSession(s *slave.Slave, sess *session.Session, notifySlave bool) {
	if _, ok := m.sessions.Remove(sess.ID); !ok {
		return
	}
	sess.ClientCloser.Close()
	s.RemoveSession(sess.ID)

	if notifySlave {
		_ = s.WriteFrame(frame.EncodeData(sess.ID, nil))
	}
}

// heartbeatLoop periodically pings the slave and is canceled when the
// slave's context is canceled (on retirement).
func (m *Manager) heartbeatLoop(s *slave.Slave) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Ctx.Done():
			return
		case <-ticker.C:
			if err := s.WriteFrame(frame.EncodeCommand(0, frame.CmdHeartbeat, nil)); err != nil {
				m.log.WithField("slave", s.String()).WithError(err).Debug("heartbeat write failed")
				return
			}
		}
	}
}

// Supervise runs the retirement check on every tick until ctx is done; the
// caller runs this as its own goroutine for the lifetime of the broker.
func (m *Manager) Supervise(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range m.liveSlaves() {
				if !s.Alive(now, HeartbeatTimeout) {
					m.log.WithField("slave", s.String()).Warn("heartbeat timeout, retiring slave")
					m.retire(s)
				}
			}
		}
	}
}

func (m *Manager) liveSlaves() []*slave.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*slave.Slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		out = append(out, s)
	}
	return out
}

// retire destroys every session s owns, then removes s from the roster and
// any sticky entries pointing at it, and updates metrics. s.MarkRetiring
// guards this as a single-fire operation: the read loop and the heartbeat
// supervisor can both decide to retire the same slave, but only the first
// caller proceeds. Sessions are torn down before the slave record
// disappears from the roster so a concurrent WriteClientChunk/CloseSession
// can never look up a session whose slave has already vanished.
func (m *Manager) retire(s *slave.Slave) {
	if !s.MarkRetiring() {
		return
	}

	for _, sess := range m.sessions.RemoveAllForSlave(s.ID) {
		sess.ClientCloser.Close()
	}

	m.mu.Lock()
	delete(m.slaves, s.ID)
	for key, id := range m.sticky {
		if id == s.ID {
			delete(m.sticky, key)
		}
	}
	m.mu.Unlock()

	s.Close()
	m.metrics.SlaveActiveConnections.Dec()
	m.metrics.SlaveDisconnections.Inc()
}

// OpenSession selects a slave for clientKey, allocates a session id,
// registers it, and sends the slave an InitSession command naming
// targetAddr. It returns ErrNoLiveSlave if the roster is empty.
func (m *Manager) OpenSession(clientKey, targetAddr string, clientWriter io.Writer, clientCloser io.Closer) (uint32, error) {
	s, err := m.selectSlave(clientKey)
	if err != nil {
		return 0, err
	}

	sessionID := atomic.AddUint32(&m.nextSess, 1)
	sess := &session.Session{
		ID:           sessionID,
		SlaveID:      s.ID,
		ClientKey:    clientKey,
		CreatedAt:    time.Now(),
		ClientWriter: clientWriter,
		ClientCloser: clientCloser,
	}

	m.sessions.Put(sess)
	s.AddSession(sessionID)

	if err := s.WriteFrame(frame.EncodeCommand(sessionID, frame.CmdInitSession, []byte(targetAddr))); err != nil {
		m.closeSession(s, sess, false)
		return 0, fmt.Errorf("manager: init session: %w", err)
	}

	return sessionID, nil
}

// WriteClientChunk wraps a chunk of client->slave bytes in a Data frame
// and submits it to the owning slave's write mutex. The buffer is drawn
// from and released to the pool by the caller (the SOCKS5 front-end's
// pump loop), keyed by session id.
func (m *Manager) WriteClientChunk(sessionID uint32, chunk []byte) error {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("manager: unknown session %d", sessionID)
	}
	s, ok := m.lookupSlave(sess.SlaveID)
	if !ok {
		return fmt.Errorf("manager: slave for session %d is gone", sessionID)
	}
	return s.WriteFrame(frame.EncodeData(sessionID, chunk))
}

// CloseSession tears down a session from the client side: removes it from
// the table and notifies the slave with a zero-length Data frame so the
// other half-duplex pump stops.
func (m *Manager) CloseSession(sessionID uint32) {
	sess, ok := m.sessions.Remove(sessionID)
	if !ok {
		return
	}
	if s, ok := m.lookupSlave(sess.SlaveID); ok {
		s.RemoveSession(sessionID)
		_ = s.WriteFrame(frame.EncodeData(sessionID, nil))
	}
}

// Pool exposes the shared buffer pool so the SOCKS5 front-end can draw
// and release read buffers for its client->slave pump without the manager
// needing to own the pump loop itself.
func (m *Manager) Pool() *bufpool.Pool {
	return m.pool
}

func (m *Manager) lookupSlave(id uint64) (*slave.Slave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slaves[id]
	return s, ok
}

// selectSlave applies the configured policy: sticky mode reuses a
// client's previous slave while it is still live, falling back to the
// non-sticky rule on a miss or stale mapping; non-sticky picks the live
// slave with the fewest active sessions, tie-broken by highest speed then
// earliest registration.
func (m *Manager) selectSlave(clientKey string) (*slave.Slave, error) {
	m.mu.Lock()
	if m.proxyMode == config.ModeSticky {
		if id, ok := m.sticky[clientKey]; ok {
			if s, ok := m.slaves[id]; ok && !s.Retiring() {
				m.mu.Unlock()
				return s, nil
			}
			delete(m.sticky, clientKey)
		}
	}
	candidates := make([]*slave.Slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		if !s.Retiring() {
			candidates = append(candidates, s)
		}
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return nil, ErrNoLiveSlave
	}

	best := candidates[0]
	for _, s := range candidates[1:] {
		if better(s, best) {
			best = s
		}
	}

	if m.proxyMode == config.ModeSticky {
		m.mu.Lock()
		m.sticky[clientKey] = best.ID
		m.mu.Unlock()
	}

	return best, nil
}

// better reports whether candidate is a strictly better non-sticky pick
// than current: fewest active sessions, tie-break by highest speed, then
// earliest registration.
func better(candidate, current *slave.Slave) bool {
	cc, cr := candidate.SessionCount(), current.SessionCount()
	if cc != cr {
		return cc < cr
	}
	cs, rs := candidate.Speed(), current.Speed()
	if cs != rs {
		return cs > rs
	}
	return candidate.RegisteredAt().Before(current.RegisteredAt())
}

// ClientKey composes the sticky-mode affinity key: source IP plus
// destination host, so a client keeps its slave per destination without
// pinning every destination it proxies to a single exit.
func ClientKey(clientAddr net.Addr, targetHost string) string {
	host := clientAddr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host + "|" + targetHost
}
