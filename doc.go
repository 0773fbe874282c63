// Package sbncng implements an IRC bouncer core: a line-oriented IRC
// codec, a phased event dispatch bus, a shared connection state machine,
// an upstream (IRC-server-facing) and downstream (client-facing)
// connection implementation, and a per-user session multiplexer that lets
// a client disconnect and reconnect without losing its place on the
// network.
//
// The package intentionally does not implement a config/user store, a
// command-line admin surface, or process bootstrapping: those are left to
// callers, which consume the ConfigNode interface and the Proxy's
// high-level events. See cmd/sbncngd for a minimal example wiring.
package sbncng
