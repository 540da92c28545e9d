// Package metrics exposes Prometheus collectors for the wager core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChallengesCreated counts challenges successfully created.
	ChallengesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chesswager_challenges_created_total",
		Help: "Number of challenges created.",
	})

	// ChallengesAccepted counts challenges successfully accepted.
	ChallengesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chesswager_challenges_accepted_total",
		Help: "Number of challenges accepted.",
	})

	// MovesApplied counts moves applied to game sessions.
	MovesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chesswager_moves_applied_total",
		Help: "Number of moves applied.",
	})

	// GamesSettled counts settled games by terminal status.
	GamesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chesswager_games_settled_total",
		Help: "Number of games settled, by terminal status.",
	}, []string{"status"})

	// NotificationsDropped counts events dropped because the recipient
	// had no live connection or a full send buffer.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chesswager_notifications_dropped_total",
		Help: "Number of notifications dropped.",
	})

	// ConnectedClients tracks live websocket connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chesswager_connected_clients",
		Help: "Number of connected websocket clients.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
