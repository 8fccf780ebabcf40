// Package queryir provides the query intermediate representation shared by
// live queries, shape definitions and the reference remote.
//
// ARCHITECTURE:
//
// QueryIR is the boundary between caller-facing filters and the two places
// filters are executed:
//
//	[where map] -> [Query IR] -> [querysql] -> SQLite (Local Store)
//	                         -> [Eval]     -> in-memory rows (remote, move-in/out)
//
// Both executors must agree. Eval therefore follows SQLite semantics exactly:
// three-valued logic (a comparison against a missing or null column is
// UNKNOWN, and NOT UNKNOWN is still UNKNOWN), booleans compare as 0/1, and
// values order null < numbers < strings with strings compared by bytes.
//
// SEALED INTERFACES:
//
// Predicate is a sealed interface using the marker method pattern. Only
// types in this package implement it, so backends can switch exhaustively:
//
//	switch p := pred.(type) {
//	case Compare:
//	case In:
//	case IsNull:
//	case And:
//	case Or:
//	case Not:
//	}
//
// All literal values are ir.IRValue (no floats). Comparisons on array or
// object columns are rejected by Validate: SQLite extracts those as JSON
// text and the two executors would disagree.
package queryir
