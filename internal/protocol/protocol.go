// Package protocol defines the JSON messages exchanged between a replica's
// sync client and the remote source.
//
// Every frame is one Message. Type selects which payload field is set;
// exactly one payload accompanies each type.
//
//	client -> server: hello, subscribe, unsubscribe, upload
//	server -> client: welcome, changes, upload_result, error
package protocol

import (
	"fmt"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// Type names a message.
type Type string

const (
	TypeHello        Type = "hello"
	TypeWelcome      Type = "welcome"
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"
	TypeChanges      Type = "changes"
	TypeUpload       Type = "upload"
	TypeUploadResult Type = "upload_result"
	TypeError        Type = "error"
)

// Message is one protocol frame.
type Message struct {
	Type Type `json:"type"`

	Hello        *Hello        `json:"hello,omitempty"`
	Welcome      *Welcome      `json:"welcome,omitempty"`
	Subscribe    *Subscribe    `json:"subscribe,omitempty"`
	Unsubscribe  *Unsubscribe  `json:"unsubscribe,omitempty"`
	Changes      *Changes      `json:"changes,omitempty"`
	Upload       *Upload       `json:"upload,omitempty"`
	UploadResult *UploadResult `json:"upload_result,omitempty"`
	Error        *Error        `json:"error,omitempty"`
}

// Hello opens a session.
type Hello struct {
	ClientID        string `json:"client_id"`
	ProtocolVersion string `json:"protocol_version"`
}

// Welcome acknowledges Hello.
type Welcome struct {
	ServerVersion int64 `json:"server_version"` // current LSN
}

// Subscribe asks for a shape's rows, from scratch (cursor 0) or resuming
// after cursor.
type Subscribe struct {
	Key    string        `json:"key"`
	Shape  queryir.Shape `json:"shape"`
	Cursor int64         `json:"cursor"`
}

// Unsubscribe stops a shape's stream.
type Unsubscribe struct {
	Key string `json:"key"`
}

// Changes is a batch of row changes for one shape. Cursor is the LSN up to
// which the shape is complete once the batch is applied. UpToDate marks the
// end of the initial snapshot or catch-up. Reset is set on the first batch
// of a full snapshot: rows of the shape the snapshot does not contain are
// gone remotely.
type Changes struct {
	Key      string      `json:"key"`
	Changes  []ir.Change `json:"changes"`
	Cursor   int64       `json:"cursor"`
	UpToDate bool        `json:"up_to_date,omitempty"`
	Reset    bool        `json:"reset,omitempty"`
}

// Upload sends operation log entries in sequence order.
type Upload struct {
	Entries []ir.OpEntry `json:"entries"`
}

// ResultStatus is the outcome of one uploaded entry.
type ResultStatus string

const (
	StatusAcked    ResultStatus = "acked"
	StatusConflict ResultStatus = "conflict"
	StatusRejected ResultStatus = "rejected"
)

// Result is the outcome of one uploaded entry.
type Result struct {
	Seq           int64        `json:"seq"`
	Status        ResultStatus `json:"status"`
	ServerVersion int64        `json:"server_version,omitempty"` // LSN the entry was applied at
	Error         string       `json:"error,omitempty"`

	// Row is the current server state of a conflicting or rejected entry's
	// row: an upsert, or a delete when the server has no live row.
	Row      *ir.Change `json:"row,omitempty"`
	Conflict *Conflict  `json:"conflict,omitempty"`
}

// Conflict describes why an entry conflicts.
type Conflict struct {
	// ServerTS is the wall-clock time (unix millis) of the row's last write.
	ServerTS int64 `json:"server_ts"`
	// ChangedFields are the columns other clients changed after the entry's
	// base version, sorted.
	ChangedFields []string `json:"changed_fields"`
}

// UploadResult answers an Upload, one Result per entry in order.
type UploadResult struct {
	Results []Result `json:"results"`
}

// Error reports a protocol failure. The server closes the session after it.
type Error struct {
	Message string `json:"message"`
}

// Validate checks that the payload matching Type is present.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeHello:
		ok = m.Hello != nil
	case TypeWelcome:
		ok = m.Welcome != nil
	case TypeSubscribe:
		ok = m.Subscribe != nil
	case TypeUnsubscribe:
		ok = m.Unsubscribe != nil
	case TypeChanges:
		ok = m.Changes != nil
	case TypeUpload:
		ok = m.Upload != nil
	case TypeUploadResult:
		ok = m.UploadResult != nil
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("%s message without payload", m.Type)
	}
	return nil
}

func NewHello(clientID string) Message {
	return Message{Type: TypeHello, Hello: &Hello{ClientID: clientID, ProtocolVersion: ir.ProtocolVersion}}
}

func NewWelcome(lsn int64) Message {
	return Message{Type: TypeWelcome, Welcome: &Welcome{ServerVersion: lsn}}
}

func NewSubscribe(key string, s queryir.Shape, cursor int64) Message {
	return Message{Type: TypeSubscribe, Subscribe: &Subscribe{Key: key, Shape: s, Cursor: cursor}}
}

func NewUnsubscribe(key string) Message {
	return Message{Type: TypeUnsubscribe, Unsubscribe: &Unsubscribe{Key: key}}
}

func NewChanges(key string, changes []ir.Change, cursor int64, upToDate bool) Message {
	if changes == nil {
		changes = []ir.Change{}
	}
	return Message{Type: TypeChanges, Changes: &Changes{Key: key, Changes: changes, Cursor: cursor, UpToDate: upToDate}}
}

func NewUpload(entries []ir.OpEntry) Message {
	return Message{Type: TypeUpload, Upload: &Upload{Entries: entries}}
}

func NewUploadResult(results []Result) Message {
	return Message{Type: TypeUploadResult, UploadResult: &UploadResult{Results: results}}
}

func NewError(format string, args ...any) Message {
	return Message{Type: TypeError, Error: &Error{Message: fmt.Sprintf(format, args...)}}
}
