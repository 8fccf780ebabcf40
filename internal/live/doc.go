// Package live keeps query results current as the Local Store changes.
//
// An Engine observes every committed store transaction. Each registered
// query whose table appears in the transaction's change set is re-read and
// every subscriber callback is invoked exactly once with the new ordered
// result, before the write that caused it returns. Identical queries share
// one registration and one cached result.
package live
