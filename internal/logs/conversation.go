package logs

import (
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Conversation tracks the ordered entries a normalizer has published into a
// process's message store, assigning monotonically increasing indices and
// correlating tool calls with their later results.
//
// Not safe for concurrent use; each normalizer goroutine owns exactly one.
type Conversation struct {
	store *msgstore.Store
	next  int
	tools map[string]toolRef
}

type toolRef struct {
	index int
	entry NormalizedEntry
}

// NewConversation returns a Conversation writing into store.
func NewConversation(store *msgstore.Store) *Conversation {
	return &Conversation{store: store, tools: make(map[string]toolRef)}
}

// Add publishes entry at the next free index and returns that index.
func (c *Conversation) Add(entry NormalizedEntry) int {
	index := c.next
	c.next++
	c.store.PushPatch(AddEntry(index, entry))
	return index
}

// Replace re-publishes entry at an index previously returned by Add.
func (c *Conversation) Replace(index int, entry NormalizedEntry) {
	c.store.PushPatch(ReplaceEntry(index, entry))
}

// AddTool publishes a tool-use entry and remembers it under the agent's tool
// call id so the later result can upgrade it in place.
func (c *Conversation) AddTool(id string, entry NormalizedEntry) int {
	index := c.Add(entry)
	if id != "" {
		c.tools[id] = toolRef{index: index, entry: entry}
	}
	return index
}

// ResolveTool upgrades the remembered tool entry for id through mutate and
// publishes a replace patch. It reports whether id was known.
func (c *Conversation) ResolveTool(id string, mutate func(*NormalizedEntry)) bool {
	ref, ok := c.tools[id]
	if !ok {
		return false
	}
	mutate(&ref.entry)
	c.tools[id] = ref
	c.Replace(ref.index, ref.entry)
	return true
}

// Len returns the number of entries published so far.
func (c *Conversation) Len() int { return c.next }
