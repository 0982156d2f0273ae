package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Depth approximates the ready tasks per kind.
	Depth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "task_queue_ready",
		Help: "Ready tasks waiting to be claimed, by kind.",
	}, []string{"kind"})
	// Outcomes counts handler results: success, retry or dead_letter.
	Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "task_queue_outcomes_total",
		Help: "Handled tasks by kind and outcome.",
	}, []string{"kind", "outcome"})
	// Parked tracks dead letters awaiting replay.
	Parked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "task_queue_dead_letters",
		Help: "Dead-lettered tasks awaiting replay, by kind.",
	}, []string{"kind"})
)

// RegisterMetrics registers the queue collectors on reg, or the default registerer when
// reg is nil. Registering twice is harmless.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{Depth, Outcomes, Parked} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}
