package store

// Wire frames exchanged with the stored gateway. Every request carries a
// client-assigned id; the gateway answers with a frame of the same id.

const (
	opSet          = "set"
	opUpdate       = "update"
	opRemove       = "remove"
	opGet          = "get"
	opPush         = "push"
	opQuery        = "query"
	opOnDisconnect = "on_disconnect"
	opClearDisc    = "clear_disconnect"
	opResult       = "result"
)

type frame struct {
	ID    uint64         `json:"id"`
	Op    string         `json:"op"`
	Path  string         `json:"path,omitempty"`
	Value any            `json:"value,omitempty"`
	Patch map[string]any `json:"patch,omitempty"`
	Query *Query         `json:"query,omitempty"`
	Disc  *DisconnectOp  `json:"disc,omitempty"`

	// Result fields.
	Key     string  `json:"key,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
	Error   string  `json:"error,omitempty"`
}
