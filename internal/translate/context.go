package translate

import "sync"

// Context is the rolling conversation state of one Translator. Entry 0 is
// always the system instruction.
type Context struct {
	mu       sync.Mutex
	messages []Message
	maxTurns int
}

// NewContext creates a context seeded with the system instruction. maxTurns
// bounds the number of non-system entries kept; 0 keeps everything.
func NewContext(system string, maxTurns int) *Context {
	return &Context{
		messages: []Message{{Role: RoleSystem, Content: system}},
		maxTurns: maxTurns,
	}
}

// Append adds a turn and returns a snapshot of the context including it.
func (c *Context) Append(role, content string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, Message{Role: role, Content: content})
	if c.maxTurns > 0 && len(c.messages)-1 > c.maxTurns {
		drop := len(c.messages) - 1 - c.maxTurns
		c.messages = append(c.messages[:1], c.messages[1+drop:]...)
	}
	return c.snapshotLocked()
}

// Snapshot returns a copy of the current messages.
func (c *Context) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Len returns the number of entries including the system instruction.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Context) snapshotLocked() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
