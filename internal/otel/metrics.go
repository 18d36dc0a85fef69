package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all swarmlink metric instruments.
type Metrics struct {
	ExchangeDuration metric.Float64Histogram
	ExchangesActive  metric.Int64UpDownCounter
	TurnsTotal       metric.Int64Counter
	ExchangeRetries  metric.Int64Counter
	GateWaitDuration metric.Float64Histogram
	GateTimeouts     metric.Int64Counter
	QueueDrops       metric.Int64Counter
	QueueBatchSize   metric.Int64Histogram
	JobsResumed      metric.Int64Counter
	JobsAbandoned    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExchangeDuration, err = meter.Float64Histogram("swarmlink.exchange.duration",
		metric.WithDescription("Peer exchange flow duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExchangesActive, err = meter.Int64UpDownCounter("swarmlink.exchange.active",
		metric.WithDescription("Number of currently running exchange flows"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("swarmlink.exchange.turns",
		metric.WithDescription("Total exchange turns completed"),
	)
	if err != nil {
		return nil, err
	}

	m.ExchangeRetries, err = meter.Int64Counter("swarmlink.exchange.retries",
		metric.WithDescription("Exchange attempts retried after a retriable failure"),
	)
	if err != nil {
		return nil, err
	}

	m.GateWaitDuration, err = meter.Float64Histogram("swarmlink.gate.wait",
		metric.WithDescription("Time spent waiting for a concurrency slot in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GateTimeouts, err = meter.Int64Counter("swarmlink.gate.timeouts",
		metric.WithDescription("Slot acquisitions that timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDrops, err = meter.Int64Counter("swarmlink.queue.drops",
		metric.WithDescription("Notifications dropped by queue cap policy"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueBatchSize, err = meter.Int64Histogram("swarmlink.queue.batch_size",
		metric.WithDescription("Items merged per delivered batch"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsResumed, err = meter.Int64Counter("swarmlink.jobs.resumed",
		metric.WithDescription("Incomplete jobs restarted after process start"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsAbandoned, err = meter.Int64Counter("swarmlink.jobs.abandoned",
		metric.WithDescription("Stale jobs abandoned by the reaper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
