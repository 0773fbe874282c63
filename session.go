package sbncng

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// Session (the bouncer's ProxyUser) pairs one optional UpstreamConn with
// zero or more attached DownstreamConns for a single configured user: it
// mirrors upstream state into each attaching downstream, forwards
// commands both ways, and reacts to upstream disconnects.
type Session struct {
	name   string
	config ConfigNode
	proxy  *Proxy

	mu               sync.RWMutex
	upstream         *UpstreamConn
	downstreams      map[*DownstreamConn]struct{}
	lastReconnect    time.Time
	hasLastReconnect bool
}

// NewSession constructs a Session for name, wires its forwarding and
// attach/replay listeners onto the Proxy's shared factory events, and
// returns it. The session owns no connections until reconnectToIRC or a
// downstream attach happens. If config already carries a "last_reconnect"
// attribute (e.g. restored from a persisted store across a restart), the
// reconnect scan honors it immediately.
func NewSession(name string, config ConfigNode, proxy *Proxy) *Session {
	s := &Session{
		name:        name,
		config:      config,
		proxy:       proxy,
		downstreams: make(map[*DownstreamConn]struct{}),
	}
	if secs, ok := config.Get("last_reconnect", nil).(int64); ok {
		s.lastReconnect = time.Unix(secs, 0)
		s.hasLastReconnect = true
	}
	s.wire()
	return s
}

// Name returns the session's (and configured user's) name.
func (s *Session) Name() string { return s.name }

// Upstream returns the session's current upstream connection, if any.
func (s *Session) Upstream() *UpstreamConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstream
}

// Downstreams returns a snapshot slice of every currently attached
// downstream.
func (s *Session) Downstreams() []*DownstreamConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DownstreamConn, 0, len(s.downstreams))
	for d := range s.downstreams {
		out = append(out, d)
	}
	return out
}

// CheckPassword reports whether password matches the session's
// configured password. A session with no configured password never
// authenticates.
func (s *Session) CheckPassword(password string) bool {
	want, _ := s.config.Get("password", "").(string)
	return want != "" && want == password
}

// LastReconnect returns the time of the most recent reconnect attempt,
// and whether one has ever been made.
func (s *Session) LastReconnect() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReconnect, s.hasLastReconnect
}

// markReconnectAttempt records t as the most recent reconnect attempt,
// both in memory and (per spec.md §6's "last_reconnect" config attribute)
// back into the session's ConfigNode, so a persisted config store
// survives across restarts.
func (s *Session) markReconnectAttempt(t time.Time) {
	s.mu.Lock()
	s.lastReconnect = t
	s.hasLastReconnect = true
	s.mu.Unlock()
	s.config.Set("last_reconnect", t.Unix())
}

// serverAddress reads the "server_address": [host, port] config
// attribute, returning "" if absent or malformed.
func (s *Session) serverAddress() string {
	raw := s.config.Get("server_address", nil)
	arr, ok := raw.([]any)
	if !ok || len(arr) != 2 {
		return ""
	}

	host, _ := arr[0].(string)
	var port string
	switch p := arr[1].(type) {
	case string:
		port = p
	case int:
		port = strconv.Itoa(p)
	case int64:
		port = strconv.FormatInt(p, 10)
	case float64:
		port = strconv.Itoa(int(p))
	}

	if host == "" || port == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// reconnectToIRC dials the session's configured server_address and
// starts a fresh UpstreamConn, if one is configured. It reports whether
// a connection attempt was made.
func (s *Session) reconnectToIRC() bool {
	addr := s.serverAddress()
	if addr == "" {
		return false
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		s.proxy.logger.Printf("session %s: dial %s: %v", s.name, addr, err)
		return false
	}

	nickname, _ := s.config.Get("nick", s.name).(string)
	username, _ := s.config.Get("username", s.name).(string)
	realname, _ := s.config.Get("realname", s.name).(string)
	password, _ := s.config.Get("server_password", "").(string)

	u := NewUpstreamConn(conn, addr, s.proxy.upstreamFactory, nickname, username, realname, password, s.proxy.logger)
	u.SetOwner(s)

	s.mu.Lock()
	s.upstream = u
	s.mu.Unlock()

	u.Start()
	return true
}

// wire registers this session's attach/replay, forwarding, and
// disconnect-handling listeners once, for the session's whole lifetime.
// Each listener is filtered to connections this session owns, so the
// same handful of registrations keep working across upstream reconnects
// and downstream attach/detach without re-binding.
func (s *Session) wire() {
	df := s.proxy.downstreamFactory
	uf := s.proxy.upstreamFactory

	df.Registration.AddListener(HandlerFunc(func(sender any, _ Args) Result {
		if d, ok := sender.(*DownstreamConn); ok {
			s.attachDownstream(d)
		}
		return Continue
	}), PhasePreObserver, s.ownsConn, true)

	df.Registration.AddListener(HandlerFunc(func(sender any, _ Args) Result {
		if d, ok := sender.(*DownstreamConn); ok {
			s.replayTo(d)
		}
		return Continue
	}), PhasePostObserver, s.ownsConn, true)

	df.ConnectionClosed.AddListener(HandlerFunc(func(sender any, _ Args) Result {
		if d, ok := sender.(*DownstreamConn); ok {
			s.detachDownstream(d)
		}
		return Continue
	}), PhasePreObserver, s.ownsConn, true)

	df.CommandReceived.AddListener(HandlerFunc(s.forwardDownstreamCommand), PhaseHandler, s.ownsConn, true)
	uf.CommandReceived.AddListener(HandlerFunc(s.forwardUpstreamCommand), PhaseHandler, s.ownsConn, true)

	uf.Registration.AddListener(HandlerFunc(func(sender any, _ Args) Result {
		if u, ok := sender.(*UpstreamConn); ok {
			s.reconcileDownstreamNicks(u)
		}
		return Continue
	}), PhasePostObserver, s.ownsConn, true)

	uf.ConnectionClosed.AddListener(HandlerFunc(func(sender any, _ Args) Result {
		if u, ok := sender.(*UpstreamConn); ok {
			s.onUpstreamClosed(u)
		}
		return Continue
	}), PhasePreObserver, s.ownsConn, true)
}

// ownsConn is the Filter every session-scoped listener above is
// registered with: it matches dispatches whose sender is a connection
// this session currently owns.
func (s *Session) ownsConn(sender any, _ Args) bool {
	switch c := sender.(type) {
	case *UpstreamConn:
		return c.Owner() == s
	case *DownstreamConn:
		return c.Owner() == s
	}
	return false
}

// attachDownstream implements the attach protocol's pre-observer steps:
// track the downstream, reconcile its nickname against the upstream's,
// and point its state reads at the upstream (see DownstreamConn.Channel
// et al.).
func (s *Session) attachDownstream(d *DownstreamConn) {
	s.mu.Lock()
	s.downstreams[d] = struct{}{}
	s.mu.Unlock()

	up := s.Upstream()
	if up == nil {
		return
	}
	d.setMirror(up)

	if !up.Registered() {
		return
	}

	upMe, dMe := up.Me(), d.Me()
	if upMe == nil || dMe == nil || dMe.Name() == upMe.Name() {
		return
	}

	d.sendMessage(dMe.String(), "NICK", upMe.Name())
	dMe.SetName(upMe.Name())
	up.sendMessage("", "NICK", upMe.Name())
}

// replayTo implements the post-attach replay: JOIN every channel the
// upstream holds, then feed TOPIC/NAMES so d's own built-in handlers
// re-emit the known state.
func (s *Session) replayTo(d *DownstreamConn) {
	up := s.Upstream()
	if up == nil {
		return
	}

	upMe := up.Me()
	prefix := ""
	if upMe != nil {
		prefix = upMe.String()
	}

	for _, ch := range up.Channels() {
		d.sendMessage(prefix, "JOIN", ch.Name)
		d.injectLine("TOPIC " + ch.Name)
		d.injectLine("NAMES " + ch.Name)
	}

	if upMe != nil && upMe.Away {
		serverName := ""
		if srv := d.Server(); srv != nil {
			serverName = srv.Name()
		}
		d.sendMessage(serverName, "306", d.Me().Name(), "You have been marked as being away")
	}
}

// reconcileDownstreamNicks implements the upstream-registered observer:
// once the upstream finishes registering (possibly under a nickname
// other than the one requested, e.g. after a collision retry), every
// already-attached downstream whose nick disagrees is resynchronized.
func (s *Session) reconcileDownstreamNicks(u *UpstreamConn) {
	upMe := u.Me()
	if upMe == nil {
		return
	}
	for _, d := range s.Downstreams() {
		dMe := d.Me()
		if dMe == nil || dMe.Name() == upMe.Name() {
			continue
		}
		d.sendMessage(dMe.String(), "NICK", upMe.Name())
		dMe.SetName(upMe.Name())
	}
}

func (s *Session) detachDownstream(d *DownstreamConn) {
	s.mu.Lock()
	delete(s.downstreams, d)
	s.mu.Unlock()
}

// close tears down every connection this session currently owns: its
// upstream (if any) and every attached downstream, each with msg as its
// QUIT/ERROR reason. Their own ConnectionClosed listeners (onUpstreamClosed,
// detachDownstream) run as usual and finish clearing the session's state.
func (s *Session) close(msg string) {
	if up := s.Upstream(); up != nil {
		up.Close(msg)
	}
	for _, d := range s.Downstreams() {
		d.Close(msg)
	}
}

// forwardDownstreamCommand implements downstream -> upstream forwarding.
func (s *Session) forwardDownstreamCommand(sender any, args Args) Result {
	d, ok := sender.(*DownstreamConn)
	if !ok || !d.Registered() {
		return Continue
	}

	command, _ := args[0].(string)
	params, _ := args[2].([]string)

	switch command {
	case "PASS", "USER", "QUIT":
		return Continue
	}

	up := s.Upstream()
	if up == nil {
		return Continue
	}
	if !up.Registered() && command != "NICK" {
		return Continue
	}

	up.sendMessage("", command, params...)
	return Handled
}

// forwardUpstreamCommand implements upstream -> downstream forwarding,
// rewriting the upstream server's own prefix to each downstream's own
// idea of its server.
func (s *Session) forwardUpstreamCommand(sender any, args Args) Result {
	up, ok := sender.(*UpstreamConn)
	if !ok || !up.Registered() {
		return Continue
	}

	command, _ := args[0].(string)
	nickObj, _ := args[1].(*Nick)
	params, _ := args[2].([]string)

	if command == "ERROR" {
		return Continue
	}

	fromServer := nickObj != nil && up.Server() != nil && nickObj == up.Server()
	rawPrefix := ""
	if nickObj != nil {
		rawPrefix = nickObj.String()
	}

	for _, d := range s.Downstreams() {
		if !d.Registered() {
			continue
		}
		prefix := rawPrefix
		if fromServer {
			if srv := d.Server(); srv != nil {
				prefix = srv.Name()
			}
		}
		d.sendMessage(prefix, command, params...)
	}

	return Handled
}

// onUpstreamClosed implements the disconnect handler: every downstream
// is kicked from every channel it believed it was in, its mirror is
// cleared, and the session's upstream reference is dropped.
func (s *Session) onUpstreamClosed(u *UpstreamConn) {
	for _, d := range s.Downstreams() {
		victim := ""
		if me := d.Me(); me != nil {
			victim = me.Name()
		}
		serverName := ""
		if srv := d.Server(); srv != nil {
			serverName = srv.Name()
		}

		for _, ch := range d.Channels() {
			d.sendMessage(serverName, "KICK", ch.Name, victim, "You were disconnected from the IRC server.")
		}
		d.setMirror(nil)
	}

	s.mu.Lock()
	if s.upstream == u {
		s.upstream = nil
	}
	s.mu.Unlock()
}
