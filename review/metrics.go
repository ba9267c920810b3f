package review

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionOpenCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_review_sessions_opened",
	Help: "Number of review sessions opened",
})

var sessionResolveCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modhound_review_sessions_resolved",
	Help: "Number of review sessions resolved, by outcome",
}, []string{"outcome"})

var sessionExtendCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_review_sessions_extended",
	Help: "Number of deadline extensions due to no majority",
})

var voteCastCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_review_votes_cast",
	Help: "Number of votes recorded (including re-votes)",
})

var staleDeadlineCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_review_stale_deadlines",
	Help: "Number of deadline timers observed firing on already-resolved sessions",
})
