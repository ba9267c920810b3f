package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messageProcessCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_messages_processed",
	Help: "Number of inbound messages evaluated",
})

var matchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modhound_rule_matches",
	Help: "Number of rule matches, by rule kind",
}, []string{"kind"})

var flagCreatedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modhound_flags_created",
	Help: "Number of flagged messages created, by rule kind and origin",
}, []string{"kind", "origin"})

var embedSkipCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modhound_similarity_skips",
	Help: "Number of messages where similarity rules were skipped due to embedding failure",
})
