// Package shape manages shape subscriptions: the subsets of remote tables a
// replica keeps synchronized.
//
// State machine per shape:
//
//	unsynced --Sync--> syncing --snapshot applied--> synced
//	synced --connection lost--> syncing (resumes from its cursor)
//	any --last Unsubscribe--> unsynced
//
// The Manager never talks to the network. It asks a Requester to subscribe
// or unsubscribe and is told about progress through SnapshotApplied, Advance
// and ConnectionLost. Shape definitions, states and cursors are persisted in
// the Local Store so that a restarted replica resumes where it stopped.
package shape
