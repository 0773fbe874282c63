package sbncng

import (
	"bufio"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// defaultISupport seeds a connection's ISUPPORT table with the handful of
// tokens the engine assumes before a real 005 line (if any) arrives.
func defaultISupport() map[string]string {
	return map[string]string{
		"CHANMODES": "bIe,k,l",
		"CHANTYPES": "#&+",
		"PREFIX":    "(ov)@+",
		"NAMESX":    "",
	}
}

// ConnectionBase is the line-oriented duplex channel shared by
// UpstreamConn and DownstreamConn: a read loop goroutine, an outbound
// FIFO writer goroutine, a registration deadline, and the per-connection
// Nick/Channel state. It is embedded, never used standalone.
type ConnectionBase struct {
	mu sync.RWMutex

	self any // the embedding UpstreamConn/DownstreamConn, used as event sender

	conn       net.Conn
	socketAddr string

	me     *Nick
	server *Nick

	registered bool
	isupport   map[string]string
	motd       []string

	nicks    *nickIndex
	channels map[string]*Channel

	owner *Session

	factory *ConnectionFactory

	regTimeout time.Duration
	regTimer   *Timer

	out       chan string
	closeOnce sync.Once
	closedCh  chan struct{}

	logger *log.Logger
}

func (c *ConnectionBase) init(self any, conn net.Conn, addr string, factory *ConnectionFactory, regTimeout time.Duration, logger *log.Logger) {
	c.self = self
	c.conn = conn
	c.socketAddr = addr
	c.factory = factory
	c.regTimeout = regTimeout
	c.isupport = defaultISupport()
	c.nicks = newNickIndex()
	c.channels = make(map[string]*Channel)
	c.out = make(chan string, 64)
	c.closedCh = make(chan struct{})
	if logger == nil {
		logger = log.New(os.Stderr, "sbncng: ", log.LstdFlags)
	}
	c.logger = logger
}

// SocketAddr returns the remote address this connection was accepted
// from or dialed to.
func (c *ConnectionBase) SocketAddr() string { return c.socketAddr }

// Me returns the connection's own Nick.
func (c *ConnectionBase) Me() *Nick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.me
}

// ensureMe returns the connection's own Nick, creating an empty one on
// first use. Downstream registration handlers call this before USER/NICK
// have supplied any fields.
func (c *ConnectionBase) ensureMe() *Nick {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.me == nil {
		c.me = newNick(Hostmask{})
	}
	return c.me
}

// Server returns the Nick the connection considers its peer server.
func (c *ConnectionBase) Server() *Nick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Registered reports whether registration has completed.
func (c *ConnectionBase) Registered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

func (c *ConnectionBase) setRegistered(v bool) {
	c.mu.Lock()
	c.registered = v
	c.mu.Unlock()
}

// ISupport returns a snapshot copy of the ISUPPORT table.
func (c *ConnectionBase) ISupport() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.isupport))
	for k, v := range c.isupport {
		out[k] = v
	}
	return out
}

func (c *ConnectionBase) setISupport(key, value string) {
	c.mu.Lock()
	c.isupport[key] = value
	c.mu.Unlock()
}

// MOTD returns a snapshot copy of the MOTD lines.
func (c *ConnectionBase) MOTD() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.motd...)
}

func (c *ConnectionBase) clearMOTD() {
	c.mu.Lock()
	c.motd = nil
	c.mu.Unlock()
}

func (c *ConnectionBase) appendMOTD(line string) {
	c.mu.Lock()
	c.motd = append(c.motd, line)
	c.mu.Unlock()
}

// Channel returns the named channel, if tracked.
func (c *ConnectionBase) Channel(name string) (*Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// Channels returns a snapshot slice of every tracked channel.
func (c *ConnectionBase) Channels() []*Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *ConnectionBase) setChannel(ch *Channel) {
	c.mu.Lock()
	c.channels[ch.Name] = ch
	c.mu.Unlock()
}

func (c *ConnectionBase) deleteChannel(name string) {
	c.mu.Lock()
	delete(c.channels, name)
	c.mu.Unlock()
}

// Owner returns the Session this connection belongs to, if any.
func (c *ConnectionBase) Owner() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// SetOwner assigns the owning Session.
func (c *ConnectionBase) SetOwner(s *Session) {
	c.mu.Lock()
	c.owner = s
	c.mu.Unlock()
}

// getNick resolves a parsed hostmask to the Nick it names: me or server
// if the nickname matches either, otherwise an entry from this
// connection's weak nick index (created on first sight). Every call
// upgrades the cached user/host fields from hm when present.
func (c *ConnectionBase) getNick(hm Hostmask) *Nick {
	c.mu.RLock()
	me, server := c.me, c.server
	c.mu.RUnlock()

	if me != nil && hm.Nick == me.Name() {
		me.UpdateHostmask(hm)
		return me
	}
	if server != nil && hm.Nick == server.Name() {
		server.UpdateHostmask(hm)
		return server
	}
	return c.nicks.getOrCreate(hm)
}

// sendLine enqueues raw (without CRLF) for the outbound writer. The queue
// holds 64 lines and is drained continuously by writeLoop; when it is
// full, sendLine blocks until writeLoop has taken a line off it.
func (c *ConnectionBase) sendLine(raw string) {
	defer func() { recover() }() // swallow send-on-closed-channel races from a concurrent Close
	c.out <- raw
}

// sendMessage formats command/params/prefix via FormatLine and enqueues
// the result.
func (c *ConnectionBase) sendMessage(prefix, command string, params ...string) {
	c.sendLine(FormatLine(prefix, command, params...))
}

// startRegistrationTimer arms the registration deadline; onExpire is
// called if it fires before cancelRegistrationTimer is called.
func (c *ConnectionBase) startRegistrationTimer(onExpire func()) {
	c.mu.Lock()
	c.regTimer = AfterFunc(c.regTimeout, onExpire)
	c.mu.Unlock()
}

// cancelRegistrationTimer disarms the registration deadline. Safe to
// call more than once.
func (c *ConnectionBase) cancelRegistrationTimer() {
	c.mu.Lock()
	t := c.regTimer
	c.regTimer = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// shutdown idempotently tears down the connection: cancels the
// registration timer and closes the outbound queue, which causes
// writeLoop to close the socket once it drains. Safe to call more than
// once and from any goroutine.
func (c *ConnectionBase) shutdown() {
	c.closeOnce.Do(func() {
		c.cancelRegistrationTimer()
		close(c.out)
	})
}

func (c *ConnectionBase) writeLoop() {
	for line := range c.out {
		if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
			c.logger.Printf("write error on %s: %v", c.socketAddr, err)
			break
		}
	}
	c.conn.Close()
}

// runReadLoop drives the read side: parse each line, resolve its
// prefix, uppercase its command, and hand it to dispatch. It returns
// once the socket reports EOF or an error; callers are responsible for
// firing their connectionClosed event exactly once afterwards.
func (c *ConnectionBase) runReadLoop(dispatch func(prefix string, command string, nickObj *Nick, params []string)) {
	reader := bufio.NewReader(c.conn)

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed != "" {
				if prefix, command, params, ok := ParseLine(trimmed); ok {
					command = strings.ToUpper(command)
					var nickObj *Nick
					if prefix != "" {
						nickObj = c.getNick(ParseHostmask(prefix))
					}
					dispatch(prefix, command, nickObj, params)
				}
			}
		}
		if err != nil {
			return
		}
	}
}
