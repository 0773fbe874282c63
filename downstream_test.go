package sbncng

import (
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestDownstreamVersionPacking(t *testing.T) {
	serverConn, _ := net.Pipe()
	factory := NewConnectionFactory()
	d := NewDownstreamConn(serverConn, "127.0.0.1:1", factory, testLogger())
	d.setRegistered(true)

	for i := 0; i < 20; i++ {
		d.setISupport(fmt.Sprintf("OPT%02d", i), strings.Repeat("x", 30))
	}

	isupport := d.ISupport()
	want := make(map[string]int, len(isupport))
	for k, v := range isupport {
		tok := k
		if v != "" {
			tok = k + "=" + v
		}
		want[tok] = 0
	}

	if res := d.handleVERSION(nil, nil); res != Handled {
		t.Fatalf("expected Handled, got %v", res)
	}

	var lines []string
collect:
	for {
		select {
		case raw := <-d.out:
			lines = append(lines, raw)
		default:
			break collect
		}
	}

	if len(lines) < 2 {
		t.Fatalf("expected at least 2 RPL_ISUPPORT replies, got %d: %v", len(lines), lines)
	}

	for _, line := range lines {
		if len(line) > 380 {
			t.Fatalf("reply exceeds wire budget (%d bytes): %q", len(line), line)
		}
		_, _, params, ok := ParseLine(line)
		if !ok || len(params) < 2 {
			t.Fatalf("malformed reply: %q", line)
		}
		for _, tok := range params[1 : len(params)-1] {
			want[tok]++
		}
	}

	for tok, n := range want {
		if n != 1 {
			t.Fatalf("token %q appeared %d times, want exactly 1 (lines: %v)", tok, n, lines)
		}
	}
}

func TestConfigNodeFixture(t *testing.T) {
	root := NewConfigNode()
	root.Set("listen_address", "0.0.0.0:9000")

	alice := root.Child("alice")
	alice.Set("password", "s3cret")
	alice.Set("server_address", []any{"irc.example.org", "6667"})

	if got := root.Get("listen_address", ""); got != "0.0.0.0:9000" {
		t.Fatalf("got %v", got)
	}
	if got := alice.Get("password", ""); got != "s3cret" {
		t.Fatalf("got %v", got)
	}
	if got := root.Get("missing", "fallback"); got != "fallback" {
		t.Fatalf("got %v, want fallback default", got)
	}

	children := root.Children()
	if len(children) != 1 || children[0] != "alice" {
		t.Fatalf("got children %v, want [alice]", children)
	}

	alice.Clear()
	if got := alice.Get("password", ""); got != "" {
		t.Fatalf("expected Clear to remove attributes, got %v", got)
	}
}
