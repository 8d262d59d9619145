package amf

import "time"

// HealthcheckKind distinguishes the two healthcheck invocation models.
type HealthcheckKind int

const (
	AMFInvoked HealthcheckKind = iota
	ComponentInvoked
)

// Healthcheck is one registered health-check key on a component.
type Healthcheck struct {
	Key    string
	Kind   HealthcheckKind
	Period time.Duration
	Duration time.Duration

	// periodTimer fires AMF_INVOKED requests (or, for COMPONENT_INVOKED,
	// the supervision deadline itself); durationTimer supervises an
	// AMF_INVOKED request's reply.
	periodTimer      uint64
	hasPeriodTimer   bool
	durationTimer    uint64
	hasDurationTimer bool

	// invocationID correlates an outstanding AMF_INVOKED request in the
	// invocation table (internal/invocation), so the reply handler can
	// find its way back here.
	invocationID    uint64
	hasInvocation   bool
}
