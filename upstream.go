package sbncng

import (
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
)

// UpstreamConn is the bouncer acting as an IRC client, talking to a real
// IRC server on a user's behalf.
type UpstreamConn struct {
	ConnectionBase

	regNickname string
	regUsername string
	regRealname string
	regPassword string

	serverCreatedMu  sync.Mutex
	serverCreated    time.Time
	hasServerCreated bool

	closeMsgOnce sync.Once
}

// NewUpstreamConn constructs an UpstreamConn over an already-dialed
// socket. Call Start to begin the registration handshake and read loop.
func NewUpstreamConn(conn net.Conn, addr string, factory *ConnectionFactory, nickname, username, realname, password string, logger *log.Logger) *UpstreamConn {
	u := &UpstreamConn{
		regNickname: nickname,
		regUsername: username,
		regRealname: realname,
		regPassword: password,
	}
	u.init(u, conn, addr, factory, 30*time.Second, logger)
	u.registerBuiltins()
	factory.NewConnection.Dispatch(factory, Args{u})
	return u
}

// Start spawns the write loop, performs the registration handshake, and
// runs the read loop until the connection closes, firing
// ConnectionClosed exactly once afterwards. It returns immediately; the
// work happens on its own goroutine.
func (u *UpstreamConn) Start() {
	go func() {
		go u.writeLoop()

		u.handleConnectionMade()
		u.factory.ConnectionMade.Dispatch(u, Args{})
		u.startRegistrationTimer(func() {
			u.Close("Registration timeout detected.")
		})

		u.runReadLoop(u.dispatchLine)

		u.shutdown()
		u.factory.ConnectionClosed.Dispatch(u, Args{})
	}()
}

func (u *UpstreamConn) dispatchLine(prefix, command string, nickObj *Nick, params []string) {
	handled := u.factory.CommandReceived.Dispatch(u, Args{command, nickObj, params})
	if !handled {
		u.logger.Printf("upstream %s: unhandled command %s", u.socketAddr, command)
	}
}

func (u *UpstreamConn) handleConnectionMade() {
	if u.regPassword != "" {
		u.sendMessage("", "PASS", u.regPassword)
	}
	u.sendMessage("", "USER", u.regUsername, "0", "*", u.regRealname)
	u.sendMessage("", "NICK", u.regNickname)
}

// Close sends QUIT :msg (if msg is non-empty) and tears the connection
// down. Idempotent: only the first call's message, if any, is sent.
func (u *UpstreamConn) Close(msg string) {
	u.closeMsgOnce.Do(func() {
		if msg != "" {
			u.sendMessage("", "QUIT", msg)
		}
	})
	u.shutdown()
}

func (u *UpstreamConn) registerUser() {
	u.cancelRegistrationTimer()
	u.setRegistered(true)
	u.factory.Registration.Dispatch(u, Args{})
}

// ServerCreated returns the best-effort parsed time from the server's
// RPL_CREATED (003) greeting, and whether one was ever seen.
func (u *UpstreamConn) ServerCreated() (time.Time, bool) {
	u.serverCreatedMu.Lock()
	defer u.serverCreatedMu.Unlock()
	return u.serverCreated, u.hasServerCreated
}

func commandFilter(cmd string) Filter {
	return func(_ any, args Args) bool {
		c, _ := args[0].(string)
		return c == cmd
	}
}

func (u *UpstreamConn) on(cmd string, phase Phase, fn func(nickObj *Nick, params []string) Result) {
	u.factory.CommandReceived.AddListener(HandlerFunc(func(sender any, args Args) Result {
		nickObj, _ := args[1].(*Nick)
		params, _ := args[2].([]string)
		return fn(nickObj, params)
	}), phase, conjoin(bySender(u), commandFilter(cmd)), true)
}

func (u *UpstreamConn) registerBuiltins() {
	u.on("PING", PhaseHandler, u.handlePING)
	u.on("ERROR", PhaseHandler, u.handleERROR)

	u.on("001", PhasePreObserver, u.handle001)
	u.on("003", PhasePreObserver, u.handle003)
	u.on("005", PhasePreObserver, u.handle005)
	u.on("375", PhasePreObserver, u.handle375)
	u.on("372", PhasePreObserver, u.handle372)
	u.on("NICK", PhasePreObserver, u.handleNICK)
	u.on("JOIN", PhasePreObserver, u.handleJOIN)
	u.on("PART", PhasePreObserver, u.handlePART)
	u.on("KICK", PhasePreObserver, u.handleKICK)
	u.on("QUIT", PhasePreObserver, u.handleQUIT)
	u.on("353", PhasePreObserver, u.handle353)
	u.on("366", PhasePreObserver, u.handle366)
	u.on("433", PhasePreObserver, u.handle433)
	u.on("331", PhasePreObserver, u.handle331)
	u.on("332", PhasePreObserver, u.handle332)
	u.on("333", PhasePreObserver, u.handle333)
	u.on("TOPIC", PhasePreObserver, u.handleTOPIC)
	u.on("329", PhasePreObserver, u.handle329)
}

func (u *UpstreamConn) handlePING(_ *Nick, params []string) Result {
	text := ""
	if len(params) > 0 {
		text = params[0]
	}
	u.sendLine("PONG :" + text)
	return Handled
}

func (u *UpstreamConn) handleERROR(_ *Nick, params []string) Result {
	msg := ""
	if len(params) > 0 {
		msg = params[len(params)-1]
	}
	u.logger.Printf("upstream %s received ERROR: %s", u.socketAddr, msg)
	u.shutdown()
	return Handled
}

func (u *UpstreamConn) handle001(sender *Nick, _ []string) Result {
	u.mu.Lock()
	u.me = newNick(Hostmask{Nick: u.regNickname})
	u.server = sender
	u.mu.Unlock()
	u.registerUser()
	return Continue
}

func (u *UpstreamConn) handle003(_ *Nick, params []string) Result {
	if len(params) == 0 {
		return Continue
	}
	text := params[len(params)-1]
	if t, err := dateparse.ParseAny(text); err == nil {
		u.serverCreatedMu.Lock()
		u.serverCreated = t
		u.hasServerCreated = true
		u.serverCreatedMu.Unlock()
	}
	return Continue
}

func (u *UpstreamConn) handle005(_ *Nick, params []string) Result {
	if len(params) < 2 {
		return Continue
	}
	for _, tok := range params[1 : len(params)-1] {
		if tok == "" {
			continue
		}
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			u.setISupport(tok[:eq], tok[eq+1:])
		} else {
			u.setISupport(tok, "")
		}
	}
	return Continue
}

func (u *UpstreamConn) handle375(_ *Nick, _ []string) Result {
	u.clearMOTD()
	return Continue
}

func (u *UpstreamConn) handle372(_ *Nick, params []string) Result {
	if len(params) == 0 {
		return Continue
	}
	u.appendMOTD(strings.TrimPrefix(params[len(params)-1], "- "))
	return Continue
}

func (u *UpstreamConn) handleNICK(nickObj *Nick, params []string) Result {
	if nickObj == nil || len(params) == 0 {
		return Continue
	}
	oldName := nickObj.Name()
	nickObj.SetName(params[0])
	u.nicks.rename(oldName, params[0])
	return Continue
}

func (u *UpstreamConn) handleJOIN(nickObj *Nick, params []string) Result {
	if nickObj == nil || len(params) == 0 {
		return Continue
	}
	chanName := params[0]

	if me := u.Me(); me != nil && nickObj.Equal(me) {
		u.setChannel(NewChannel(chanName))
	}

	ch, ok := u.Channel(chanName)
	if !ok {
		return Continue
	}
	isNew := !ch.Has(nickObj)
	ch.AddMembership(nickObj)
	if isNew {
		u.nicks.retain(nickObj.Name())
	}
	return Continue
}

func (u *UpstreamConn) releaseChannelMembers(ch *Channel) {
	for _, m := range ch.Memberships() {
		u.nicks.release(m.Nick.Name())
	}
}

func (u *UpstreamConn) handlePART(nickObj *Nick, params []string) Result {
	if nickObj == nil || len(params) == 0 {
		return Continue
	}
	chanName := params[0]
	ch, ok := u.Channel(chanName)
	if !ok {
		return Continue
	}

	if me := u.Me(); me != nil && nickObj.Equal(me) {
		u.releaseChannelMembers(ch)
		u.deleteChannel(chanName)
		return Continue
	}

	ch.RemoveMembership(nickObj)
	u.nicks.release(nickObj.Name())
	return Continue
}

func (u *UpstreamConn) handleKICK(_ *Nick, params []string) Result {
	if len(params) < 2 {
		return Continue
	}
	chanName, victimName := params[0], params[1]
	ch, ok := u.Channel(chanName)
	if !ok {
		return Continue
	}

	if me := u.Me(); me != nil && victimName == me.Name() {
		u.releaseChannelMembers(ch)
		u.deleteChannel(chanName)
		return Continue
	}

	victim, ok := u.nicks.lookup(victimName)
	if !ok {
		return Continue
	}
	ch.RemoveMembership(victim)
	u.nicks.release(victimName)
	return Continue
}

func (u *UpstreamConn) handleQUIT(nickObj *Nick, _ []string) Result {
	if nickObj == nil {
		return Continue
	}
	for _, ch := range u.Channels() {
		if ch.Has(nickObj) {
			ch.RemoveMembership(nickObj)
			u.nicks.release(nickObj.Name())
		}
	}
	return Continue
}

func (u *UpstreamConn) handle353(_ *Nick, params []string) Result {
	if len(params) < 3 {
		return Continue
	}
	chanName := params[len(params)-2]
	trailing := params[len(params)-1]
	ch, ok := u.Channel(chanName)
	if !ok {
		return Continue
	}

	prefixRaw := u.ISupport()["PREFIX"]
	for _, tok := range strings.Fields(trailing) {
		i := 0
		modes := ""
		for i < len(tok) {
			mode, ok := PrefixToMode(prefixRaw, tok[i])
			if !ok {
				break
			}
			modes += string(mode)
			i++
		}
		name := tok[i:]
		if name == "" {
			continue
		}

		n := u.getNick(Hostmask{Nick: name})
		isNew := !ch.Has(n)
		m := ch.AddMembership(n)
		if isNew {
			u.nicks.retain(name)
		}
		m.Modes = modes
	}
	return Continue
}

func (u *UpstreamConn) handle366(_ *Nick, params []string) Result {
	if len(params) < 2 {
		return Continue
	}
	if ch, ok := u.Channel(params[len(params)-2]); ok {
		ch.HasNames = true
	}
	return Continue
}

func (u *UpstreamConn) handle433(_ *Nick, _ []string) Result {
	if u.Registered() {
		return Continue
	}
	u.regNickname += "_"
	u.sendMessage("", "NICK", u.regNickname)
	return Continue
}

func (u *UpstreamConn) handle331(_ *Nick, params []string) Result {
	if len(params) < 2 {
		return Continue
	}
	if ch, ok := u.Channel(params[len(params)-2]); ok {
		ch.Topic = ""
		ch.TopicBy = ""
		ch.TopicSet = time.Time{}
		ch.HasTopic = true
	}
	return Continue
}

func (u *UpstreamConn) handle332(_ *Nick, params []string) Result {
	if len(params) < 3 {
		return Continue
	}
	ch, ok := u.Channel(params[len(params)-2])
	if !ok {
		return Continue
	}
	ch.Topic = params[len(params)-1]
	if ch.TopicBy != "" {
		ch.HasTopic = true
	}
	return Continue
}

func (u *UpstreamConn) handle333(_ *Nick, params []string) Result {
	if len(params) < 4 {
		return Continue
	}
	ch, ok := u.Channel(params[len(params)-3])
	if !ok {
		return Continue
	}
	ch.TopicBy = params[len(params)-2]
	if secs, err := strconv.ParseInt(params[len(params)-1], 10, 64); err == nil {
		ch.TopicSet = time.Unix(secs, 0)
	}
	if ch.Topic != "" {
		ch.HasTopic = true
	}
	return Continue
}

func (u *UpstreamConn) handleTOPIC(nickObj *Nick, params []string) Result {
	if len(params) < 2 {
		return Continue
	}
	ch, ok := u.Channel(params[0])
	if !ok {
		return Continue
	}
	ch.Topic = params[1]
	if nickObj != nil {
		ch.TopicBy = nickObj.Name()
	}
	ch.TopicSet = time.Now()
	ch.HasTopic = true
	return Continue
}

func (u *UpstreamConn) handle329(_ *Nick, params []string) Result {
	if len(params) < 3 {
		return Continue
	}
	ch, ok := u.Channel(params[len(params)-2])
	if !ok {
		return Continue
	}
	if secs, err := strconv.ParseInt(params[len(params)-1], 10, 64); err == nil {
		ch.Created = time.Unix(secs, 0)
		ch.HasCreated = true
	}
	return Continue
}
