package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Parla metric instruments.
type Metrics struct {
	SessionDuration  metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	AudioChunksIn    metric.Int64Counter
	AudioChunksOut   metric.Int64Counter
	ResponsesCreated metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	GuardrailTrips   metric.Int64Counter
	ClientRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionDuration, err = meter.Float64Histogram("parla.session.duration",
		metric.WithDescription("Session wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("parla.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("parla.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.AudioChunksIn, err = meter.Int64Counter("parla.audio.chunks_in",
		metric.WithDescription("Audio chunks forwarded client to upstream"),
	)
	if err != nil {
		return nil, err
	}

	m.AudioChunksOut, err = meter.Int64Counter("parla.audio.chunks_out",
		metric.WithDescription("Audio chunks forwarded upstream to client"),
	)
	if err != nil {
		return nil, err
	}

	m.ResponsesCreated, err = meter.Int64Counter("parla.responses.created",
		metric.WithDescription("Model responses created"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("parla.sessions.active",
		metric.WithDescription("Number of currently active relay sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.GuardrailTrips, err = meter.Int64Counter("parla.guardrail.trips",
		metric.WithDescription("Sessions terminated by a guardrail"),
	)
	if err != nil {
		return nil, err
	}

	m.ClientRejects, err = meter.Int64Counter("parla.client.rejects",
		metric.WithDescription("Client messages rejected by the allow-list"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
