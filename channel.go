package sbncng

import "time"

// ChannelMembership records one Nick's presence in one Channel: its
// status modes (e.g. "o" for op, "v" for voice) and a couple of
// timestamps used for idle/away-style bookkeeping.
type ChannelMembership struct {
	Channel *Channel
	Nick    *Nick

	Modes     string
	JoinTime  time.Time
	IdleSince time.Time
}

// HasMode reports whether this membership carries the given status mode
// letter (e.g. 'o', 'v').
func (m *ChannelMembership) HasMode(mode byte) bool {
	for i := 0; i < len(m.Modes); i++ {
		if m.Modes[i] == mode {
			return true
		}
	}
	return false
}

func (m *ChannelMembership) addMode(mode byte) {
	if m.HasMode(mode) {
		return
	}
	m.Modes += string(mode)
}

func (m *ChannelMembership) removeMode(mode byte) {
	out := make([]byte, 0, len(m.Modes))
	for i := 0; i < len(m.Modes); i++ {
		if m.Modes[i] != mode {
			out = append(out, m.Modes[i])
		}
	}
	m.Modes = string(out)
}

// Channel tracks what a connection knows about one channel: its topic,
// its mode string, and the ordered set of Nicks present in it. Order of
// Memberships() is join order, which keeps NAMES replies and replay
// stable and predictable.
type Channel struct {
	Name string

	HasCreated bool
	Created    time.Time

	HasTopic bool
	Topic    string
	TopicBy  string
	TopicSet time.Time

	HasModes bool
	Modes    string
	Bans     []string

	HasNames bool

	order  []*Nick
	byNick map[*Nick]*ChannelMembership
}

// NewChannel returns an empty Channel named name.
func NewChannel(name string) *Channel {
	return &Channel{
		Name:   name,
		byNick: make(map[*Nick]*ChannelMembership),
	}
}

// Membership returns the membership record for n, if any.
func (ch *Channel) Membership(n *Nick) (*ChannelMembership, bool) {
	m, ok := ch.byNick[n]
	return m, ok
}

// Has reports whether n is present in the channel.
func (ch *Channel) Has(n *Nick) bool {
	_, ok := ch.byNick[n]
	return ok
}

// AddMembership adds n to the channel if not already present, and
// returns its (possibly pre-existing) membership record.
func (ch *Channel) AddMembership(n *Nick) *ChannelMembership {
	if m, ok := ch.byNick[n]; ok {
		return m
	}

	m := &ChannelMembership{
		Channel:   ch,
		Nick:      n,
		JoinTime:  time.Now(),
		IdleSince: time.Now(),
	}
	ch.byNick[n] = m
	ch.order = append(ch.order, n)
	return m
}

// RemoveMembership removes n from the channel. It is a no-op if n isn't
// present.
func (ch *Channel) RemoveMembership(n *Nick) {
	if _, ok := ch.byNick[n]; !ok {
		return
	}
	delete(ch.byNick, n)

	for i, on := range ch.order {
		if on == n {
			ch.order = append(ch.order[:i:i], ch.order[i+1:]...)
			break
		}
	}
}

// Memberships returns every membership in join order.
func (ch *Channel) Memberships() []*ChannelMembership {
	out := make([]*ChannelMembership, 0, len(ch.order))
	for _, n := range ch.order {
		out = append(out, ch.byNick[n])
	}
	return out
}

// Len returns the number of members currently tracked.
func (ch *Channel) Len() int {
	return len(ch.order)
}
