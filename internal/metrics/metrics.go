package metrics

import "expvar"

// 进程级计数器，经由 /debug/vars 暴露。
var (
	OrdersPlaced        = expvar.NewInt("orders_placed")
	OrdersRejected      = expvar.NewInt("orders_risk_rejected")
	OrdersUnknownSubmit = expvar.NewInt("orders_unknown_submit")
	OrdersCanceled      = expvar.NewInt("orders_canceled")

	ReconcileRuns       = expvar.NewInt("reconcile_runs")
	ReconcileResolved   = expvar.NewInt("reconcile_resolved")
	ReconcileUnresolved = expvar.NewInt("reconcile_unresolved")
	ReconcileMismatches = expvar.NewInt("reconcile_mismatches")

	BreakerTrips      = expvar.NewInt("breaker_trips")
	KillSwitchToggles = expvar.NewInt("kill_switch_toggles")
	ArchivedOrders    = expvar.NewInt("archived_orders")

	GatewayRequests = expvar.NewInt("gateway_requests")
	GatewayRetries  = expvar.NewInt("gateway_retries")
	GatewayErrors   = expvar.NewInt("gateway_errors")
)
