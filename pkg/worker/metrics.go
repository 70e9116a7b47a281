package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker's Prometheus collectors.
type Metrics struct {
	TasksExecuted prometheus.Counter
	TasksErred    prometheus.Counter
	TransfersIn   prometheus.Counter
	TransfersOut  prometheus.Counter
	BytesIn       prometheus.Counter
	BytesOut      prometheus.Counter

	TasksTracked   prometheus.GaugeFunc
	TasksExecuting prometheus.GaugeFunc
	StoredBytes    prometheus.GaugeFunc
}

func NewMetrics(registry *prometheus.Registry, machine *Machine) *Metrics {
	m := &Metrics{
		TasksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_worker_tasks_executed_total",
			Help: "Tasks executed to completion, successfully or not.",
		}),
		TasksErred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_worker_tasks_erred_total",
			Help: "Tasks whose execution failed.",
		}),
		TransfersIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_worker_transfers_in_total",
			Help: "Completed incoming transfers.",
		}),
		TransfersOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_worker_transfers_out_total",
			Help: "Completed outgoing transfers.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_worker_bytes_in_total",
			Help: "Bytes received from peers.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_worker_bytes_out_total",
			Help: "Bytes served to peers.",
		}),
		TasksTracked: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "grid_worker_tasks_tracked",
			Help: "Tasks currently tracked by the state machine.",
		}, func() float64 { return float64(machine.TaskCount()) }),
		TasksExecuting: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "grid_worker_tasks_executing",
			Help: "Tasks currently occupying an executor slot.",
		}, func() float64 { return float64(machine.ExecutingCount()) }),
		StoredBytes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "grid_worker_stored_bytes",
			Help: "Bytes of task values held locally.",
		}, func() float64 { return float64(machine.data.NBytes()) }),
	}

	registry.MustRegister(
		m.TasksExecuted,
		m.TasksErred,
		m.TransfersIn,
		m.TransfersOut,
		m.BytesIn,
		m.BytesOut,
		m.TasksTracked,
		m.TasksExecuting,
		m.StoredBytes,
	)

	return m
}
