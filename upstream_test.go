package sbncng

import "testing"

// TestNamreplyDoesNotDuplicateOwnNick feeds a JOIN followed by a NAMREPLY
// that (per the real protocol) lists the bouncer's own nick among the
// channel's members, and asserts handle353 resolves it to the same *Nick
// as Me() rather than minting a second membership for the same name.
func TestNamreplyDoesNotDuplicateOwnNick(t *testing.T) {
	u := newStandaloneUpstream("alice")
	registerAliceUpstream(u)

	ch, ok := u.Channel("#chan")
	if !ok {
		t.Fatalf("expected #chan to be tracked after JOIN")
	}

	if got := ch.Len(); got != 2 {
		t.Fatalf("got %d members, want 2 (alice, op): %v", got, ch.Memberships())
	}

	m, ok := ch.Membership(u.Me())
	if !ok {
		t.Fatalf("expected Me() to have a membership in #chan")
	}
	if !m.HasMode('o') {
		t.Logf("own membership modes: %q (not op, fine if fixture lists alice without a prefix)", m.Modes)
	}
}
