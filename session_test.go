package sbncng

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// readLinesUntil reads lines from r until one contains marker (inclusive),
// or fails the test after max lines.
func readLinesUntil(t *testing.T, r *bufio.Reader, marker string, max int) []string {
	t.Helper()
	var lines []string
	for i := 0; i < max; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("readLinesUntil: %v (have %v)", err, lines)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if strings.Contains(line, marker) {
			return lines
		}
	}
	t.Fatalf("marker %q not seen within %d lines: %v", marker, max, lines)
	return nil
}

// newTestUpstream builds an UpstreamConn whose state can be driven with
// feedUpstream, without ever dialing a real socket.
func newTestUpstream(factory *ConnectionFactory, nick string) *UpstreamConn {
	a, _ := net.Pipe()
	return NewUpstreamConn(a, "irc.example:6667", factory, nick, nick, nick, "", testLogger())
}

// registerAliceUpstream feeds a full registration + one-channel-with-topic
// sequence into u, matching spec.md §8 scenario 1's fixture.
func registerAliceUpstream(u *UpstreamConn) {
	feedUpstream(u, ":irc.example 001 alice :Welcome to the Internet Relay Network")
	feedUpstream(u, ":irc.example 005 alice PREFIX=(ov)@+ :are supported by this server")
	feedUpstream(u, ":irc.example 375 alice :- irc.example Message of the day -")
	feedUpstream(u, ":irc.example 372 alice :- hello")
	feedUpstream(u, ":irc.example 376 alice :End of MOTD command")
	feedUpstream(u, ":alice!alice@host JOIN #chan")
	feedUpstream(u, ":irc.example 332 alice #chan :hello")
	feedUpstream(u, ":irc.example 333 alice #chan op 1700000000")
	feedUpstream(u, ":irc.example 353 alice = #chan :alice @op")
	feedUpstream(u, ":irc.example 366 alice #chan :End of NAMES list")
}

func TestScenarioPasswordPresentHappyAttach(t *testing.T) {
	proxy := NewProxy(testLogger())
	config := NewConfigNode()
	config.Set("password", "s3cret")
	session := proxy.LoadSession("alice", config)

	upstream := newTestUpstream(proxy.upstreamFactory, "alice")
	upstream.SetOwner(session)
	session.upstream = upstream
	registerAliceUpstream(upstream)

	serverConn, clientConn := net.Pipe()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	proxy.AcceptDownstream(serverConn)

	if _, err := clientConn.Write([]byte("PASS s3cret\r\nNICK alice\r\nUSER alice 0 * :Alice\r\n")); err != nil {
		t.Fatalf("write registration: %v", err)
	}

	reader := bufio.NewReader(clientConn)
	lines := readLinesUntil(t, reader, " 366 ", 40)

	var commands []string
	for _, line := range lines {
		if strings.HasPrefix(line, "NOTICE") || strings.Contains(line, "NOTICE AUTH") {
			continue
		}
		_, command, _, ok := ParseLine(line)
		if !ok {
			continue
		}
		commands = append(commands, command)
	}

	want := []string{"001", "005", "375", "372", "376", "JOIN", "332", "333", "353", "366"}
	if len(commands) != len(want) {
		t.Fatalf("got commands %v, want %v (raw lines: %v)", commands, want, lines)
	}
	for i := range want {
		if commands[i] != want[i] {
			t.Fatalf("position %d: got %q, want %q (full: %v)", i, commands[i], want[i], commands)
		}
	}
}

func TestScenarioBadPassword(t *testing.T) {
	proxy := NewProxy(testLogger())
	config := NewConfigNode()
	config.Set("password", "s3cret")
	session := proxy.LoadSession("alice", config)

	serverConn, clientConn := net.Pipe()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	proxy.AcceptDownstream(serverConn)

	if _, err := clientConn.Write([]byte("PASS wrong\r\nNICK alice\r\nUSER alice 0 * :Alice\r\n")); err != nil {
		t.Fatalf("write registration: %v", err)
	}

	reader := bufio.NewReader(clientConn)
	lines := readLinesUntil(t, reader, "ERROR", 20)

	last := lines[len(lines)-1]
	if !strings.Contains(last, "Authentication failed") {
		t.Fatalf("got %q, want an authentication-failure ERROR line", last)
	}

	if len(session.Downstreams()) != 0 {
		t.Fatalf("expected session.downstreams unchanged (empty), got %d", len(session.Downstreams()))
	}
}

func TestReconnectAttemptPersistsAndReloadsFromConfig(t *testing.T) {
	proxy := NewProxy(testLogger())
	config := NewConfigNode()
	config.Set("password", "s3cret")
	config.Set("server_address", []any{"irc.example.org", "6667"})
	session := proxy.LoadSession("alice", config)

	if _, has := session.LastReconnect(); has {
		t.Fatalf("expected a freshly loaded session to have no last_reconnect yet")
	}

	now := time.Now()
	session.markReconnectAttempt(now)

	stored, ok := config.Get("last_reconnect", nil).(int64)
	if !ok || stored != now.Unix() {
		t.Fatalf("got stored last_reconnect=%v ok=%v, want %d", stored, ok, now.Unix())
	}

	reloaded := NewSession("alice", config, proxy)
	last, has := reloaded.LastReconnect()
	if !has || last.Unix() != now.Unix() {
		t.Fatalf("reloaded session last_reconnect = %v (has=%v), want %v", last, has, now)
	}
}

func TestProxyReconnectScanSkipsStaleUserBelowThreshold(t *testing.T) {
	proxy := NewProxy(testLogger())

	noAddr := NewConfigNode()
	noAddr.Set("password", "s3cret")
	proxy.LoadSession("noaddr", noAddr)

	config := NewConfigNode()
	config.Set("password", "s3cret")
	config.Set("server_address", []any{"127.0.0.1", "1"})
	session := proxy.LoadSession("alice", config)

	session.markReconnectAttempt(time.Now())
	proxy.markGlobalReconnect(time.Now().Add(-time.Hour))

	proxy.reconnectScan()

	if session.Upstream() != nil {
		t.Fatalf("expected no reconnect attempt: session is within the 120s staleness window")
	}
}

func TestUpstreamRegisteredObserverResyncsExistingDownstreamNick(t *testing.T) {
	proxy := NewProxy(testLogger())
	config := NewConfigNode()
	config.Set("password", "s3cret")
	session := proxy.LoadSession("alice", config)

	serverConn, clientConn := net.Pipe()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	proxy.AcceptDownstream(serverConn)

	if _, err := clientConn.Write([]byte("PASS s3cret\r\nNICK alice\r\nUSER alice 0 * :Alice\r\n")); err != nil {
		t.Fatalf("write registration: %v", err)
	}

	reader := bufio.NewReader(clientConn)
	readLinesUntil(t, reader, " 422 ", 40)

	if d := session.Downstreams(); len(d) != 1 {
		t.Fatalf("expected exactly one attached downstream, got %d", len(d))
	}

	upstream := newTestUpstream(proxy.upstreamFactory, "alice_")
	upstream.SetOwner(session)
	session.mu.Lock()
	session.upstream = upstream
	session.mu.Unlock()

	feedUpstream(upstream, ":irc.example 001 alice_ :Welcome to the Internet Relay Network")

	lines := readLinesUntil(t, reader, "NICK", 10)
	last := lines[len(lines)-1]
	if !strings.Contains(last, "NICK alice_") {
		t.Fatalf("got %q, want a NICK alice_ resync line", last)
	}

	d := session.Downstreams()[0]
	if got := d.Me().Name(); got != "alice_" {
		t.Fatalf("downstream nick = %q, want %q", got, "alice_")
	}
}

func TestScenarioUpstreamDropsMidSession(t *testing.T) {
	proxy := NewProxy(testLogger())
	config := NewConfigNode()
	config.Set("password", "s3cret")
	session := proxy.LoadSession("alice", config)

	upstream := newTestUpstream(proxy.upstreamFactory, "alice")
	upstream.SetOwner(session)
	session.upstream = upstream
	registerAliceUpstream(upstream)

	serverConn, clientConn := net.Pipe()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	d := proxy.AcceptDownstream(serverConn)

	if _, err := clientConn.Write([]byte("PASS s3cret\r\nNICK alice\r\nUSER alice 0 * :Alice\r\n")); err != nil {
		t.Fatalf("write registration: %v", err)
	}

	reader := bufio.NewReader(clientConn)
	readLinesUntil(t, reader, " 366 ", 40)

	if d.Owner() != session {
		t.Fatalf("expected downstream owner == session")
	}

	proxy.upstreamFactory.ConnectionClosed.Dispatch(upstream, Args{})

	kickLines := readLinesUntil(t, reader, "KICK", 10)
	last := kickLines[len(kickLines)-1]
	if !strings.Contains(last, "#chan") || !strings.Contains(last, "You were disconnected") {
		t.Fatalf("got %q, want a KICK #chan ... disconnected line", last)
	}

	if len(d.Channels()) != 0 {
		t.Fatalf("expected downstream channels empty after mirror clear, got %v", d.Channels())
	}
	if session.Upstream() != nil {
		t.Fatalf("expected session.upstream cleared after disconnect")
	}
}
