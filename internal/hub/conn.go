package hub

// Conn is the handle for one live connection. Its topic set and closed flag
// are owned by the Hub and only touched under the hub lock.
type Conn struct {
	id     string
	events chan Event
	done   chan struct{}
	topics map[string]struct{}
	closed bool
}

// ID returns the connection identity.
func (c *Conn) ID() string { return c.id }

// Events yields events in publish order. The channel is closed on disconnect.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the connection is removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }
