// Package harness runs scripted scenarios against a replica and checks the
// outcome.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: todo_offline
//	description: "Offline edits with a live query"
//	schema: ../schema            # CUE file or package, relative to the scenario
//	client_id: c1
//	steps:
//	  - op: live
//	    name: open_items
//	    table: items
//	    where: { done: false }
//	  - op: create
//	    table: items
//	    data: { task: "milk", done: false }
//	assertions:
//	  - type: live_result
//	    query: open_items
//	    rows: [c1-1]
//	  - type: pending
//	    count: 1
//
// Steps: create, update, update_many, delete, delete_many, live, sync, gc,
// connect, disconnect, remote_put and await. The last four need
// remote: true, which starts an in-memory remote the replica dials.
//
// # Assertion Types
//
//   - final_state: the first local row matching where carries expect, or
//     no row matches when absent is set
//   - row_count: count local rows match where
//   - remote_state: like final_state or row_count, against the remote
//   - live_result: the latest primary keys a live query delivered
//   - pending: count entries are waiting in the outbox
//   - trace_contains, trace_order, trace_count: checks over executed steps
//
// # Determinism
//
// Every run opens a fresh in-memory store with a stepping clock starting at
// testutil.Epoch and sequential primary keys prefixed with the client id.
// Local-only scenarios therefore produce identical traces, which
// RunWithGolden compares against testdata/golden.
package harness
