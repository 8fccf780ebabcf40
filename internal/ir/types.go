package ir

// Row is a materialized record of one table, keyed by primary key.
type Row struct {
	Table         string   `json:"table"`
	PK            string   `json:"pk"`
	Data          IRObject `json:"data"`
	LocalVersion  int64    `json:"local_version"`  // Logical clock, bumps on every local mutation
	ServerVersion int64    `json:"server_version"` // LSN of last applied remote state (0 = never synced)
	Deleted       bool     `json:"deleted,omitempty"`
}

// Get returns the value of a column, or IRNull if absent.
func (r Row) Get(column string) IRValue {
	if v, ok := r.Data[column]; ok && v != nil {
		return v
	}
	return IRNull{}
}

// String returns a string column and whether it was present and a string.
func (r Row) String(column string) (string, bool) {
	s, ok := r.Data[column].(IRString)
	return string(s), ok
}

// Int returns an int column and whether it was present and an int.
func (r Row) Int(column string) (int64, bool) {
	n, ok := r.Data[column].(IRInt)
	return int64(n), ok
}

// Bool returns a bool column and whether it was present and a bool.
func (r Row) Bool(column string) (bool, bool) {
	b, ok := r.Data[column].(IRBool)
	return bool(b), ok
}

// MutationKind identifies a local write.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is a single local write request.
//
// For inserts PK may be empty; it is taken from the table's primary key
// column in Data. For updates Data holds only the changed columns.
type Mutation struct {
	Kind  MutationKind `json:"kind"`
	Table string       `json:"table"`
	PK    string       `json:"pk,omitempty"`
	Data  IRObject     `json:"data,omitempty"`
}

// Insert builds an insert mutation.
func Insert(table string, data IRObject) Mutation {
	return Mutation{Kind: MutationInsert, Table: table, Data: data}
}

// Update builds an update mutation touching only the given columns.
func Update(table, pk string, data IRObject) Mutation {
	return Mutation{Kind: MutationUpdate, Table: table, PK: pk, Data: data}
}

// Delete builds a delete mutation.
func Delete(table, pk string) Mutation {
	return Mutation{Kind: MutationDelete, Table: table, PK: pk}
}

// ChangeKind identifies a remote change.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"

	// ChangeMoveOut reports a row that still exists remotely but no longer
	// matches the shape that sent it. Data holds the current row.
	ChangeMoveOut ChangeKind = "move_out"
)

// Change is one row-level change received from the remote source.
type Change struct {
	Kind          ChangeKind `json:"kind"`
	Table         string     `json:"table"`
	PK            string     `json:"pk"`
	Data          IRObject   `json:"data,omitempty"`
	ServerVersion int64      `json:"server_version"`
}
