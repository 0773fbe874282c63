package sbncng

import "testing"

func TestParseLineRoundTrip(t *testing.T) {
	cases := []struct {
		prefix  string
		command string
		params  []string
	}{
		{"", "PING", []string{"wineasy1.se.quakenet.org"}},
		{"nick!u@h", "PRIVMSG", []string{"#c", "hi there"}},
		{"", "NICK", []string{"alice"}},
		{"server.example", "005", []string{"alice", "NETWORK=Foo", "are supported by this server"}},
		{"", "JOIN", []string{"#chan"}},
	}

	for _, c := range cases {
		line := FormatLine(c.prefix, c.command, c.params...)
		gotPrefix, gotCommand, gotParams, ok := ParseLine(line)
		if !ok {
			t.Fatalf("ParseLine(%q) not ok", line)
		}
		if gotPrefix != c.prefix || gotCommand != c.command || !stringSliceEqual(gotParams, c.params) {
			t.Fatalf("round trip mismatch for %+v: got prefix=%q command=%q params=%v", c, gotPrefix, gotCommand, gotParams)
		}
	}
}

func TestParseLineExamples(t *testing.T) {
	prefix, command, params, ok := ParseLine("PING :wineasy1.se.quakenet.org")
	if !ok || prefix != "" || command != "PING" || !stringSliceEqual(params, []string{"wineasy1.se.quakenet.org"}) {
		t.Fatalf("got prefix=%q command=%q params=%v ok=%v", prefix, command, params, ok)
	}

	prefix, command, params, ok = ParseLine(":nick!u@h PRIVMSG #c :hi there")
	if !ok || prefix != "nick!u@h" || command != "PRIVMSG" || !stringSliceEqual(params, []string{"#c", "hi there"}) {
		t.Fatalf("got prefix=%q command=%q params=%v ok=%v", prefix, command, params, ok)
	}
}

func TestParseHostmask(t *testing.T) {
	hm := ParseHostmask("nick!u@h")
	if hm.Nick != "nick" || hm.User != "u" || hm.Host != "h" {
		t.Fatalf("got %+v", hm)
	}

	hm = ParseHostmask("server.example")
	if hm.Nick != "server.example" || hm.User != "" || hm.Host != "" {
		t.Fatalf("got %+v", hm)
	}
}

func TestPrefixMode(t *testing.T) {
	if mode, ok := PrefixToMode("(ov)@+", '@'); !ok || mode != 'o' {
		t.Fatalf("got mode=%q ok=%v", mode, ok)
	}
	if _, ok := PrefixToMode("(ov)@+", 'x'); ok {
		t.Fatalf("expected not ok for unknown prefix char")
	}
	if ch, ok := ModeToPrefix("(ov)@+", 'v'); !ok || ch != '+' {
		t.Fatalf("got ch=%q ok=%v", ch, ok)
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
