package logs

import (
	"encoding/json"
	"strconv"
)

// PatchOp is a single JSON-Patch operation. Value is omitted for remove.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// marshalPatch serializes a one-operation patch array. Marshalling a
// NormalizedEntry cannot fail; a failure here indicates invalid Metadata and
// degrades to a raw-output entry rather than dropping the message.
func marshalPatch(op, path string, entry NormalizedEntry) json.RawMessage {
	value, err := json.Marshal(entry)
	if err != nil {
		value, _ = json.Marshal(RawOutput(err.Error()))
	}
	data, _ := json.Marshal([]PatchOp{{Op: op, Path: path, Value: value}})
	return data
}

func entryPath(index int) string {
	return "/entries/" + strconv.Itoa(index)
}

// AddEntry builds an add patch for a new conversation entry at index.
func AddEntry(index int, entry NormalizedEntry) json.RawMessage {
	return marshalPatch("add", entryPath(index), entry)
}

// ReplaceEntry builds a replace patch for an existing conversation entry.
func ReplaceEntry(index int, entry NormalizedEntry) json.RawMessage {
	return marshalPatch("replace", entryPath(index), entry)
}
