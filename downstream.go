package sbncng

import (
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DownstreamConn is the bouncer acting as an IRC server, talking to one
// of a user's IRC clients.
type DownstreamConn struct {
	ConnectionBase

	pwMu     sync.Mutex
	password string

	closeMsgOnce sync.Once

	mirrorMu sync.RWMutex
	mirror   *UpstreamConn
}

// NewDownstreamConn constructs a DownstreamConn over an accepted socket.
// Call Start to begin the registration handshake and read loop.
func NewDownstreamConn(conn net.Conn, addr string, factory *ConnectionFactory, logger *log.Logger) *DownstreamConn {
	d := &DownstreamConn{}
	d.init(d, conn, addr, factory, 60*time.Second, logger)
	d.server = newNick(Hostmask{Nick: "sbncng"})
	d.registerBuiltins()
	factory.NewConnection.Dispatch(factory, Args{d})
	return d
}

// Start spawns the write loop, sends the greeting banner, and runs the
// read loop until the connection closes.
func (d *DownstreamConn) Start() {
	go func() {
		go d.writeLoop()

		d.handleConnectionMade()
		d.factory.ConnectionMade.Dispatch(d, Args{})
		d.startRegistrationTimer(func() {
			d.Close("Registration timeout detected.")
		})

		d.runReadLoop(d.dispatchLine)

		d.shutdown()
		d.factory.ConnectionClosed.Dispatch(d, Args{})
	}()
}

func (d *DownstreamConn) dispatchLine(_ string, command string, nickObj *Nick, params []string) {
	handled := d.factory.CommandReceived.Dispatch(d, Args{command, nickObj, params})
	if !handled {
		d.sendReply("ERR_UNKNOWNCOMMAND", []string{command}, "")
	}
}

func (d *DownstreamConn) handleConnectionMade() {
	d.sendMessage("", "NOTICE", "AUTH", "*** sbncng - welcome to the bouncer")
	d.sendMessage("", "NOTICE", "AUTH", "*** Looking up your hostname...")

	host, _, err := net.SplitHostPort(d.socketAddr)
	if err != nil {
		host = d.socketAddr
	}

	names, lerr := net.LookupAddr(host)
	if lerr != nil || len(names) == 0 {
		d.sendMessage("", "NOTICE", "AUTH", "*** Couldn't resolve your hostname; using your IP address instead")
		return
	}
	d.sendMessage("", "NOTICE", "AUTH", fmt.Sprintf("*** Found your hostname: %s", strings.TrimSuffix(names[0], ".")))
}

// Close sends ERROR :msg (if msg is non-empty) and tears the connection
// down. Idempotent: only the first call's message, if any, is sent.
func (d *DownstreamConn) Close(msg string) {
	d.closeMsgOnce.Do(func() {
		if msg != "" {
			d.sendMessage("", "ERROR", msg)
		}
	})
	d.shutdown()
}

func (d *DownstreamConn) setMirror(u *UpstreamConn) {
	d.mirrorMu.Lock()
	d.mirror = u
	d.mirrorMu.Unlock()
}

func (d *DownstreamConn) getMirror() *UpstreamConn {
	d.mirrorMu.RLock()
	defer d.mirrorMu.RUnlock()
	return d.mirror
}

// Channel, Channels, ISupport, and MOTD shadow ConnectionBase's own
// (empty, locally-owned) storage: once a Session attaches this
// downstream to a live upstream, reads are served straight from the
// upstream's state instead of a duplicated, independently-synchronized
// copy. This is the Go-native reading of spec's "mirror references"
// design note — a read-through rather than a shared mutable map, since
// the two connections run on independent goroutines.
func (d *DownstreamConn) Channel(name string) (*Channel, bool) {
	if u := d.getMirror(); u != nil {
		return u.Channel(name)
	}
	return d.ConnectionBase.Channel(name)
}

func (d *DownstreamConn) Channels() []*Channel {
	if u := d.getMirror(); u != nil {
		return u.Channels()
	}
	return d.ConnectionBase.Channels()
}

func (d *DownstreamConn) ISupport() map[string]string {
	if u := d.getMirror(); u != nil {
		return u.ISupport()
	}
	return d.ConnectionBase.ISupport()
}

func (d *DownstreamConn) MOTD() []string {
	if u := d.getMirror(); u != nil {
		return u.MOTD()
	}
	return d.ConnectionBase.MOTD()
}

// on registers a built-in command handler ahead of every listener already
// on the factory, so the built-ins see a command before the owning
// Session's upstream forwarding does.
func (d *DownstreamConn) on(cmd string, fn func(nickObj *Nick, params []string) Result) {
	d.factory.CommandReceived.AddListener(HandlerFunc(func(_ any, args Args) Result {
		nickObj, _ := args[1].(*Nick)
		params, _ := args[2].([]string)
		return fn(nickObj, params)
	}), PhaseHandler, conjoin(bySender(d), commandFilter(cmd)), false)
}

func (d *DownstreamConn) registerBuiltins() {
	d.on("USER", d.handleUSER)
	d.on("NICK", d.handleNICK)
	d.on("PASS", d.handlePASS)
	d.on("QUIT", d.handleQUIT)
	d.on("VERSION", d.handleVERSION)
	d.on("MOTD", d.handleMOTD)
	d.on("NAMES", d.handleNAMES)
	d.on("TOPIC", d.handleTOPIC)

	d.factory.Registration.AddListener(HandlerFunc(func(_ any, _ Args) Result {
		d.completeRegistration()
		return Continue
	}), PhaseHandler, bySender(d), true)
}

func (d *DownstreamConn) handleUSER(_ *Nick, params []string) Result {
	if len(params) < 4 {
		d.sendReply("ERR_NEEDMOREPARAMS", []string{"USER"}, "")
		return Handled
	}
	if d.Registered() {
		d.sendReply("ERR_ALREADYREGISTRED", nil, "")
		return Handled
	}

	me := d.ensureMe()
	me.SetUser(params[0])
	me.SetRealname(params[3])
	d.maybeRegister()
	return Handled
}

func (d *DownstreamConn) handleNICK(_ *Nick, params []string) Result {
	if len(params) < 1 {
		d.sendReply("ERR_NONICKNAMEGIVEN", []string{"NICK"}, "")
		return Handled
	}

	newName := params[0]
	me := d.ensureMe()

	if newName == me.Name() {
		return Handled
	}
	if strings.IndexByte(newName, ' ') >= 0 {
		d.sendReply("ERR_ERRONEUSNICKNAME", []string{newName}, "")
		return Handled
	}

	if !d.Registered() {
		me.SetName(newName)
		d.maybeRegister()
		return Handled
	}

	d.sendMessage(me.String(), "NICK", newName)
	me.SetName(newName)
	return Handled
}

func (d *DownstreamConn) handlePASS(_ *Nick, params []string) Result {
	if len(params) < 1 {
		d.sendReply("ERR_NEEDMOREPARAMS", []string{"PASS"}, "")
		return Handled
	}
	if d.Registered() {
		d.sendReply("ERR_ALREADYREGISTRED", nil, "")
		return Handled
	}

	d.pwMu.Lock()
	d.password = params[0]
	d.pwMu.Unlock()

	d.maybeRegister()
	return Handled
}

func (d *DownstreamConn) handleQUIT(_ *Nick, _ []string) Result {
	d.Close("Goodbye.")
	return Handled
}

func (d *DownstreamConn) handleVERSION(_ *Nick, params []string) Result {
	if !d.Registered() || len(params) != 0 {
		return Continue
	}

	isupport := d.ISupport()
	keys := make([]string, 0, len(isupport))
	for k := range isupport {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tokens := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := isupport[k]; v != "" {
			tokens = append(tokens, k+"="+v)
		} else {
			tokens = append(tokens, k)
		}
	}

	var chunk []string
	length := 0
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		d.sendReply("RPL_ISUPPORT", chunk, "")
		chunk = nil
		length = 0
	}

	for _, tok := range tokens {
		if length+len(tok)+1 > 300 {
			flush()
		}
		chunk = append(chunk, tok)
		length += len(tok) + 1
	}
	flush()

	return Handled
}

func (d *DownstreamConn) handleMOTD(_ *Nick, _ []string) Result {
	if !d.Registered() {
		return Continue
	}

	lines := d.MOTD()
	if len(lines) == 0 {
		d.sendReply("ERR_NOMOTD", nil, "")
		return Handled
	}

	serverName := ""
	if s := d.Server(); s != nil {
		serverName = s.Name()
	}
	d.sendReply("RPL_MOTDSTART", nil, fmt.Sprintf(replies["RPL_MOTDSTART"].template, serverName))
	for _, line := range lines {
		d.sendReply("RPL_MOTD", nil, "- "+line)
	}
	d.sendReply("RPL_ENDMOTD", nil, "")
	return Handled
}

func (d *DownstreamConn) handleNAMES(_ *Nick, params []string) Result {
	if !d.Registered() || len(params) != 1 || strings.Contains(params[0], ",") {
		return Continue
	}

	chanName := params[0]
	ch, ok := d.Channel(chanName)
	if !ok {
		d.sendReply("RPL_ENDOFNAMES", []string{chanName}, "")
		return Handled
	}

	chanType := "="
	if ch.HasModes {
		switch {
		case strings.IndexByte(ch.Modes, 's') >= 0:
			chanType = "@"
		case strings.IndexByte(ch.Modes, 'p') >= 0:
			chanType = "*"
		}
	}

	prefixRaw := d.ISupport()["PREFIX"]

	var chunk []string
	length := 0
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		d.sendReply("RPL_NAMREPLY", []string{chanType, chanName}, strings.Join(chunk, " "))
		chunk = nil
		length = 0
	}

	for _, m := range ch.Memberships() {
		tok := ""
		if len(m.Modes) > 0 {
			if prefixCh, ok := ModeToPrefix(prefixRaw, m.Modes[0]); ok {
				tok = string(prefixCh)
			}
		}
		tok += m.Nick.Name()

		if length+len(tok)+1 > 300 {
			flush()
		}
		chunk = append(chunk, tok)
		length += len(tok) + 1
	}
	flush()

	d.sendReply("RPL_ENDOFNAMES", []string{chanName}, "")
	return Handled
}

func (d *DownstreamConn) handleTOPIC(_ *Nick, params []string) Result {
	if !d.Registered() || len(params) != 1 {
		return Continue
	}

	chanName := params[0]
	ch, ok := d.Channel(chanName)
	if !ok || !ch.HasTopic || ch.Topic == "" {
		d.sendReply("RPL_NOTOPIC", []string{chanName}, "")
		return Handled
	}

	d.sendReply("RPL_TOPIC", []string{chanName}, ch.Topic)
	d.sendReply("RPL_TOPICWHOTIME", []string{chanName, ch.TopicBy}, strconv.FormatInt(ch.TopicSet.Unix(), 10))
	return Handled
}

// maybeRegister runs the registration check shared by USER/NICK/PASS:
// once a nickname, username, and password are all present, it fires
// authentication and, on success, completes registration.
func (d *DownstreamConn) maybeRegister() {
	if d.Registered() {
		return
	}

	me := d.ensureMe()
	if me.Name() == "" || me.User() == "" {
		return
	}

	d.pwMu.Lock()
	pw := d.password
	d.pwMu.Unlock()

	if pw == "" {
		d.sendMessage("", "NOTICE", "AUTH", "*** Your client did not send a password. Try /QUOTE PASS <password> to send one now.")
		return
	}

	d.factory.Authentication.Dispatch(d, Args{me.User(), pw})
	if d.Owner() == nil {
		d.Close("Authentication failed: Invalid user credentials.")
		return
	}

	d.pwMu.Lock()
	d.password = ""
	d.pwMu.Unlock()

	d.setRegistered(true)
	d.cancelRegistrationTimer()

	// A single Dispatch fans out, in phase order, to: the owning
	// Session's attach+mirror (PreObserver), this connection's own
	// completeRegistration (Handler, registered above), and the
	// Session's post-attach JOIN/TOPIC/NAMES replay (PostObserver) -
	// producing 001/005/375-376 before the replayed channel state, per
	// the bouncer's registration sequence.
	d.factory.Registration.Dispatch(d, Args{})
}

func (d *DownstreamConn) completeRegistration() {
	me := d.Me()
	text := fmt.Sprintf("Welcome to the Internet Relay Network %s", me.String())
	d.sendReply("RPL_WELCOME", nil, text)
	d.injectLine("VERSION")
	d.injectLine("MOTD")
}

// injectLine feeds raw, as if the client had sent it, through the same
// command dispatch the read loop uses. Used to make VERSION/MOTD
// replies come from the built-in handlers rather than duplicating them.
func (d *DownstreamConn) injectLine(raw string) {
	_, command, params, ok := ParseLine(raw)
	if !ok {
		return
	}
	d.factory.CommandReceived.Dispatch(d, Args{strings.ToUpper(command), nil, params})
}
