package sbncng

import (
	"log"
	"net"
	"os"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

// Proxy is the bouncer's top-level object: it owns the upstream and
// downstream connection factories, the table of configured Sessions,
// and the single reconnect scan timer that drives outbound connections.
type Proxy struct {
	logger *log.Logger

	upstreamFactory   *ConnectionFactory
	downstreamFactory *ConnectionFactory

	sessions cmap.ConcurrentMap // name -> *Session

	// High-level plugin-facing events, each bound to the corresponding
	// class-level factory event. A plugin author registers against
	// these and never touches upstreamFactory/downstreamFactory
	// directly; Session's own listeners on the class-level events run
	// independently of whatever a plugin adds here.
	ClientRegistration     *Event // mirrors downstreamFactory.Registration
	IRCRegistration        *Event // mirrors upstreamFactory.Registration
	ClientCommandReceived  *Event // mirrors downstreamFactory.CommandReceived
	IRCCommandReceived     *Event // mirrors upstreamFactory.CommandReceived
	ClientConnectionClosed *Event // mirrors downstreamFactory.ConnectionClosed
	IRCConnectionClosed    *Event // mirrors upstreamFactory.ConnectionClosed

	reconnectTimer *Timer

	minReconnectInterval time.Duration
	staleThreshold       time.Duration

	globalMu               sync.RWMutex
	globalLastReconnect    time.Time
	hasGlobalLastReconnect bool
}

// NewProxy constructs a Proxy with fresh connection factories and wires
// the single authentication gate downstream connections go through on
// registration.
func NewProxy(logger *log.Logger) *Proxy {
	if logger == nil {
		logger = log.New(os.Stderr, "sbncng: ", log.LstdFlags)
	}

	p := &Proxy{
		logger:               logger,
		upstreamFactory:      NewConnectionFactory(),
		downstreamFactory:    NewConnectionFactory(),
		sessions:             cmap.New(),
		minReconnectInterval: 60 * time.Second,
		staleThreshold:       120 * time.Second,
	}

	p.downstreamFactory.Authentication.AddListener(HandlerFunc(p.authenticate), PhaseHandler, nil, true)
	p.bindPluginEvents()

	return p
}

// bindPluginEvents wires the Proxy's high-level events onto their
// class-level counterparts, per spec.md §4.7.
func (p *Proxy) bindPluginEvents() {
	p.ClientRegistration = NewEvent()
	p.ClientRegistration.Bind(p.downstreamFactory.Registration, nil)

	p.IRCRegistration = NewEvent()
	p.IRCRegistration.Bind(p.upstreamFactory.Registration, nil)

	p.ClientCommandReceived = NewEvent()
	p.ClientCommandReceived.Bind(p.downstreamFactory.CommandReceived, nil)

	p.IRCCommandReceived = NewEvent()
	p.IRCCommandReceived.Bind(p.upstreamFactory.CommandReceived, nil)

	p.ClientConnectionClosed = NewEvent()
	p.ClientConnectionClosed.Bind(p.downstreamFactory.ConnectionClosed, nil)

	p.IRCConnectionClosed = NewEvent()
	p.IRCConnectionClosed.Bind(p.upstreamFactory.ConnectionClosed, nil)
}

// authenticate is the Proxy's single Authentication gate: it looks up a
// Session named by username and, if its password matches, assigns it as
// the downstream's owner.
func (p *Proxy) authenticate(sender any, args Args) Result {
	d, ok := sender.(*DownstreamConn)
	if !ok {
		return Continue
	}

	username, _ := args[0].(string)
	password, _ := args[1].(string)

	s, ok := p.SessionByName(username)
	if !ok || !s.CheckPassword(password) {
		return Continue
	}

	d.SetOwner(s)
	return Handled
}

// LoadSession creates (or replaces) a configured Session named name and
// registers it with the Proxy.
func (p *Proxy) LoadSession(name string, config ConfigNode) *Session {
	s := NewSession(name, config, p)
	p.sessions.Set(name, s)
	return s
}

// RemoveSession implements remove_user: it closes name's upstream (if
// any) and every downstream still attached to it, then drops it from the
// session table. It reports whether a session by that name existed.
// Safe to call concurrently with the reconnect scan's table iteration,
// which snapshots keys and tolerates concurrent removal.
func (p *Proxy) RemoveSession(name string) bool {
	v, ok := p.sessions.Pop(name)
	if !ok {
		return false
	}
	if s, ok := v.(*Session); ok {
		s.close("User removed.")
	}
	return true
}

// SessionByName looks up a configured Session by name.
func (p *Proxy) SessionByName(name string) (*Session, bool) {
	v, ok := p.sessions.Get(name)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}

// Sessions returns a snapshot slice of every configured Session.
func (p *Proxy) Sessions() []*Session {
	out := make([]*Session, 0, p.sessions.Count())
	for item := range p.sessions.IterBuffered() {
		if s, ok := item.Val.(*Session); ok {
			out = append(out, s)
		}
	}
	return out
}

// AcceptDownstream wraps an accepted client socket into a DownstreamConn
// bound to the Proxy's downstream factory, and starts its handshake.
func (p *Proxy) AcceptDownstream(conn net.Conn) *DownstreamConn {
	d := NewDownstreamConn(conn, conn.RemoteAddr().String(), p.downstreamFactory, p.logger)
	d.Start()
	return d
}

// Serve accepts downstream connections from ln until it errors, and
// starts the reconnect scan timer. It blocks until ln.Accept fails (e.g.
// the listener is closed).
func (p *Proxy) Serve(ln net.Listener) error {
	p.StartReconnectTimer()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		p.AcceptDownstream(conn)
	}
}

// StartReconnectTimer arms the 10-second repeating scan that picks, at
// most, one stale or never-connected Session per tick and reconnects it
// - enforcing a global minimum interval between any two attempts so a
// flapping upstream can't starve the scan.
func (p *Proxy) StartReconnectTimer() {
	if p.reconnectTimer != nil {
		return
	}
	p.reconnectTimer = TickFunc(10*time.Second, p.reconnectScan)
}

// StopReconnectTimer disarms the scan.
func (p *Proxy) StopReconnectTimer() {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
}

func (p *Proxy) reconnectScan() {
	now := time.Now()

	for item := range p.sessions.IterBuffered() {
		s, ok := item.Val.(*Session)
		if !ok || s.Upstream() != nil {
			continue
		}
		if s.serverAddress() == "" {
			continue
		}

		last, has := s.LastReconnect()
		if has && now.Sub(last) < p.staleThreshold {
			continue
		}

		global, hasGlobal := p.lastGlobalReconnect()
		if hasGlobal && now.Sub(global) < p.minReconnectInterval {
			return
		}

		s.markReconnectAttempt(now)
		p.markGlobalReconnect(now)
		s.reconnectToIRC()
		return
	}
}

// lastGlobalReconnect/markGlobalReconnect enforce the scan's global
// minimum spacing between attempts across all sessions; they reuse the
// same mutex-guarded timestamp pattern as Session.lastReconnect.
func (p *Proxy) lastGlobalReconnect() (time.Time, bool) {
	p.globalMu.RLock()
	defer p.globalMu.RUnlock()
	return p.globalLastReconnect, p.hasGlobalLastReconnect
}

func (p *Proxy) markGlobalReconnect(t time.Time) {
	p.globalMu.Lock()
	p.globalLastReconnect = t
	p.hasGlobalLastReconnect = true
	p.globalMu.Unlock()
}
