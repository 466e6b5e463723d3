// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Matchmaking = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duoplay_matchmaking_total",
			Help: "Matchmaking attempts by outcome",
		},
		[]string{"outcome"},
	)
	Invitations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duoplay_invitations_total",
			Help: "Invitation status transitions written by this process",
		},
		[]string{"status"},
	)
	GamesEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duoplay_games_ended_total",
			Help: "Games observed ending, by variant and reason",
		},
		[]string{"variant", "reason"},
	)
	LedgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duoplay_ledger_ops_total",
			Help: "Ledger operations by op and result",
		},
		[]string{"op", "result"},
	)
	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duoplay_store_ops_total",
			Help: "Maintenance operations against the rendezvous store",
		},
		[]string{"op", "result"},
	)
	WatchStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duoplay_watch_streams_active",
			Help: "Open websocket watch streams",
		},
	)
)

func init() {
	prometheus.MustRegister(Matchmaking)
	prometheus.MustRegister(Invitations)
	prometheus.MustRegister(GamesEnded)
	prometheus.MustRegister(LedgerOps)
	prometheus.MustRegister(StoreOps)
	prometheus.MustRegister(WatchStreams)
}

// Result maps an error to the result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
