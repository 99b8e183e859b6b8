package agent

// ToolEntry is the metadata recorded for one tool invocation.
type ToolEntry struct {
	Name  string
	Input map[string]any
}

// ToolIndex is an append-only index from tool-use correlation IDs to
// tool metadata. It is order-independent: inserting A then B leaves the
// same index as inserting B then A. Tool results carry only the
// correlation ID, so this index is what resolves their name and input.
//
// The index is scoped to one turn sequence and owned by one Translator.
// No entry is ever deleted.
type ToolIndex struct {
	entries map[string]ToolEntry
}

// NewToolIndex creates an empty index.
func NewToolIndex() *ToolIndex {
	return &ToolIndex{entries: make(map[string]ToolEntry)}
}

// Upsert records a tool invocation. A stream announcement arrives with
// empty input and the batch announcement completes it later, so an
// upsert with empty input never overwrites an entry that already has
// input: the first complete write wins.
func (ix *ToolIndex) Upsert(id, name string, input map[string]any) {
	existing, ok := ix.entries[id]
	if ok {
		if len(existing.Input) == 0 && len(input) > 0 {
			ix.entries[id] = ToolEntry{Name: name, Input: input}
		}
		return
	}
	ix.entries[id] = ToolEntry{Name: name, Input: input}
}

// Lookup returns the entry for id, if any.
func (ix *ToolIndex) Lookup(id string) (ToolEntry, bool) {
	entry, ok := ix.entries[id]
	return entry, ok
}

// Len returns the number of indexed invocations.
func (ix *ToolIndex) Len() int {
	return len(ix.entries)
}
