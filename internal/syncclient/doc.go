// Package syncclient connects a replica's Local Store to the remote source.
//
// Run keeps a session open, reconnecting with exponential backoff. Each
// session re-requests every active shape from its cursor, applies incoming
// change batches through store.ApplyRemote and drains the operation log in
// sequence order, one upload batch in flight at a time. Conflicting entries
// are settled by a Resolver.
package syncclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changesAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lofi_sync_changes_applied_total",
		Help: "counter of remote row changes applied to the local store",
	})
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lofi_sync_uploads_total",
		Help: "counter of upload batches sent",
	})
	entriesUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lofi_sync_entries_uploaded_total",
		Help: "counter of operation log entries sent",
	})
	acksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lofi_sync_acks_total",
		Help: "counter of operation log entries acknowledged",
	})
	rejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lofi_sync_rejections_total",
		Help: "counter of operation log entries rejected by the remote or superseded by a remote delete",
	})
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lofi_sync_conflicts_total",
		Help: "counter of conflicting entries, by resolution winner",
	}, []string{"winner"})
	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lofi_sync_reconnects_total",
		Help: "counter of lost sync connections",
	})
	pendingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lofi_sync_pending_entries",
		Help: "number of operation log entries awaiting acknowledgement",
	})
	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lofi_sync_connected",
		Help: "1 while a sync session is open",
	})
)
