package rpc

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "workerrpc"

// Request outcomes, used as the "outcome" label of the requests counter.
const (
	outcomeOK         = "ok"
	outcomeRemote     = "remote_error"
	outcomeTimeout    = "timeout"
	outcomeExited     = "exited"
	outcomeNotRunning = "not_running"
	outcomeCanceled   = "canceled"
	outcomeTransport  = "transport_error"
)

// Reasons a stdout line was dropped.
const (
	dropMalformed = "malformed"
	dropUnmatched = "unmatched"
)

type metrics struct {
	requests     *prometheus.CounterVec
	inflight     prometheus.Gauge
	droppedLines *prometheus.CounterVec
	workerExits  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests sent to the worker, by type and outcome.",
		}, []string{"type", "outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "inflight_requests",
			Help:      "Requests waiting for a response from the worker.",
		}),
		droppedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_lines_total",
			Help:      "Lines read from the worker's stdout that did not resolve a request.",
		}, []string{"reason"}),
		workerExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_exits_total",
			Help:      "Worker processes that exited.",
		}),
	}
	if reg == nil {
		return m
	}
	m.requests = register(reg, m.requests)
	m.inflight = register(reg, m.inflight)
	m.droppedLines = register(reg, m.droppedLines)
	m.workerExits = register(reg, m.workerExits)
	return m
}

// register registers c, or returns the equivalent collector registered by an earlier client.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}

func outcomeOf(err error) string {
	var (
		remoteErr *RemoteError
		exitErr   *ProcessExitedError
		writeErr  *WriteError
	)
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &remoteErr):
		return outcomeRemote
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.As(err, &exitErr):
		return outcomeExited
	case errors.As(err, &writeErr):
		return outcomeTransport
	case errors.Is(err, ErrNotRunning):
		return outcomeNotRunning
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeTransport
	}
}
