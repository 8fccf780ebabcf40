package ir

// OpStatus is the upload state of an operation log entry.
type OpStatus string

const (
	OpPending  OpStatus = "pending"
	OpSent     OpStatus = "sent"
	OpAcked    OpStatus = "acked"
	OpRejected OpStatus = "rejected"
)

// OpEntry records one local mutation awaiting remote acknowledgement.
//
// Seq is assigned from the store's logical clock and is the idempotency key
// for resends: the remote source deduplicates on (client ID, Seq).
type OpEntry struct {
	Seq         int64        `json:"seq"`
	Kind        MutationKind `json:"kind"`
	Table       string       `json:"table"`
	PK          string       `json:"pk"`
	Fields      IRObject     `json:"fields,omitempty"` // full row for insert, changed columns for update
	BaseVersion int64        `json:"base_version"`     // row server version when the mutation was made
	ClientTS    int64        `json:"client_ts"`        // wall clock (unix millis), used by last-writer-wins
	Status      OpStatus     `json:"status"`
	Error       string       `json:"error,omitempty"`
}
