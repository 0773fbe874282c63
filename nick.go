package sbncng

import (
	"sync"
	"time"
)

// Nick represents one IRC identity as observed by a connection: a
// nickname plus the user/host last seen for it, and a few small bits of
// session state (away, oper, realname). Equality is defined by the
// (nick, user, host) triple, per spec.
type Nick struct {
	mu sync.RWMutex

	Hostmask
	Realname string
	Away     bool
	Opered   bool
	Created  time.Time
}

func newNick(hm Hostmask) *Nick {
	return &Nick{Hostmask: hm, Created: time.Now()}
}

// Name returns the current nickname.
func (n *Nick) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Nick
}

// SetName renames this Nick in place. Callers are responsible for
// re-keying any index that looks nicks up by name (see nickIndex.rename).
func (n *Nick) SetName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Nick = name
}

// User returns the cached username.
func (n *Nick) User() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Hostmask.User
}

// Host returns the cached hostname.
func (n *Nick) Host() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Hostmask.Host
}

// SetUser sets the username.
func (n *Nick) SetUser(user string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Hostmask.User = user
}

// SetHost sets the hostname.
func (n *Nick) SetHost(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Hostmask.Host = host
}

// SetRealname sets the GECOS/realname field.
func (n *Nick) SetRealname(realname string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Realname = realname
}

// UpdateHostmask fills in User/Host from hm if they're non-empty and
// differ from what's already known, matching the source's
// update_hostmask behavior of upgrading cached fields opportunistically.
func (n *Nick) UpdateHostmask(hm Hostmask) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if hm.User != "" && n.Hostmask.User != hm.User {
		n.Hostmask.User = hm.User
	}
	if hm.Host != "" && n.Hostmask.Host != hm.Host {
		n.Hostmask.Host = hm.Host
	}
}

// Equal reports whether two Nicks share the same (nick, user, host)
// triple. Two nil Nicks are equal; a nil and non-nil Nick are not.
func (n *Nick) Equal(o *Nick) bool {
	if n == nil || o == nil {
		return n == o
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	o.mu.RLock()
	defer o.mu.RUnlock()
	return n.Nick == o.Nick && n.Hostmask.User == o.Hostmask.User && n.Hostmask.Host == o.Hostmask.Host
}

func (n *Nick) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Hostmask.String()
}

// nickIndex is a per-connection arena of Nicks keyed by nickname, with
// reference counting standing in for the source's WeakValueDictionary:
// a Nick is evicted as soon as its refcount (driven by channel
// memberships) drops to zero. It is the Go-native translation spelled
// out in spec.md's design notes ("reference nicks by a small handle...
// eviction reclaims the slot on last membership release").
type nickIndex struct {
	mu      sync.Mutex
	entries map[string]*nickRef
}

type nickRef struct {
	nick *Nick
	refs int
}

func newNickIndex() *nickIndex {
	return &nickIndex{entries: make(map[string]*nickRef)}
}

// lookup returns the cached Nick for name, without creating one.
func (idx *nickIndex) lookup(name string) (*Nick, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ref, ok := idx.entries[name]
	if !ok {
		return nil, false
	}
	return ref.nick, true
}

// getOrCreate returns the cached Nick for hm.Nick, upgrading its
// user/host from hm, or inserts a fresh Nick (with refs=0) if none is
// cached yet.
func (idx *nickIndex) getOrCreate(hm Hostmask) *Nick {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if ref, ok := idx.entries[hm.Nick]; ok {
		ref.nick.UpdateHostmask(hm)
		return ref.nick
	}

	n := newNick(hm)
	idx.entries[hm.Nick] = &nickRef{nick: n}
	return n
}

// retain increments the refcount for name, if present.
func (idx *nickIndex) retain(name string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if ref, ok := idx.entries[name]; ok {
		ref.refs++
	}
}

// release decrements the refcount for name, evicting the entry once it
// reaches zero.
func (idx *nickIndex) release(name string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ref, ok := idx.entries[name]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		delete(idx.entries, name)
	}
}

// rename re-keys the index entry for a Nick whose nickname just changed,
// preserving its refcount.
func (idx *nickIndex) rename(oldName, newName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ref, ok := idx.entries[oldName]
	if !ok {
		return
	}
	delete(idx.entries, oldName)
	idx.entries[newName] = ref
}
