package sbncng

// ConnectionFactory is the class-level event hub shared by every
// connection of one kind (all UpstreamConns, or all DownstreamConns).
// Creating a connection through a factory fires NewConnection scoped to
// that factory; the Proxy binds its high-level events to a factory's
// events filtered by factory identity, per the event bus's bind/parent
// mechanism.
type ConnectionFactory struct {
	id uint64

	NewConnection    *Event // Args{conn}
	ConnectionMade   *Event // Args{conn}
	CommandReceived  *Event // Args{command, nickObj, params}, sender=conn
	ConnectionClosed *Event // Args{}, sender=conn
	Registration     *Event // Args{}, sender=conn
	Authentication   *Event // Args{username, password}, sender=conn (downstream only)
}

// NewConnectionFactory returns a ready-to-use factory.
func NewConnectionFactory() *ConnectionFactory {
	return &ConnectionFactory{
		id:               nextGlobalID(),
		NewConnection:    NewEvent(),
		ConnectionMade:   NewEvent(),
		CommandReceived:  NewEvent(),
		ConnectionClosed: NewEvent(),
		Registration:     NewEvent(),
		Authentication:   NewEvent(),
	}
}

// bySender returns a Filter matching dispatches whose sender is exactly
// conn, by reference identity.
func bySender(conn any) Filter {
	return func(sender any, _ Args) bool { return sender == conn }
}
