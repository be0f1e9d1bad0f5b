package iomgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_active_slots",
		Help: "Input slots currently taken",
	})

	slotCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_slot_capacity",
		Help: "Current input slot capacity",
	})

	inputsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_inputs_fetched_total",
		Help: "Inputs fetched from the control plane",
	})

	callsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_calls_completed_total",
		Help: "Completed function calls",
	})

	outputsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_outputs_pushed_total",
		Help: "Output items accepted by the control plane",
	})

	generatorChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_generator_chunks_total",
		Help: "Data chunks written to data_out streams",
	})

	heartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_heartbeat_failures_total",
		Help: "Failed heartbeat attempts",
	})

	cancellationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_cancellations_received_total",
		Help: "Input cancellations delivered by heartbeat responses",
	})
)
