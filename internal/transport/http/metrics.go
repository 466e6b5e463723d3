package httptransport

import "expvar"

var (
	snapshotReadTotal  = expvar.NewInt("store_snapshot_read_total")
	snapshotReadErrors = expvar.NewInt("store_snapshot_read_errors_total")

	watchConnectionsTotal = expvar.NewInt("watch_connections_total")
	watchDroppedTotal     = expvar.NewInt("watch_dropped_snapshots_total")

	grantTotal  = expvar.NewInt("admin_grant_total")
	grantErrors = expvar.NewInt("admin_grant_errors_total")
	sweepTotal  = expvar.NewInt("admin_sweep_total")
)
