package amf

import (
	"clustercore/internal/invocation"
	"clustercore/internal/timer"
)

// ArmHealthcheck starts hc's period timer. For AMF_INVOKED the period timer sends the request; for
// COMPONENT_INVOKED it directly supervises the confirm deadline.
func (e *Engine) ArmHealthcheck(c *Component, hc *Healthcheck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armHealthcheckLocked(c, hc)
}

func (e *Engine) armHealthcheckLocked(c *Component, hc *Healthcheck) {
	if hc.hasPeriodTimer {
		e.wh.Delete(timer.Handle(hc.periodTimer))
	}
	comp, key := c.Name, hc.Key
	h := e.wh.AddDuration(hc.Period, func(any) {
		e.onHealthcheckPeriod(comp, key)
	}, nil)
	hc.periodTimer = uint64(h)
	hc.hasPeriodTimer = true
}

// onHealthcheckPeriod fires on the timer-wheel goroutine/tick; it is the
// one place a timer callback is allowed to touch Engine state directly.
func (e *Engine) onHealthcheckPeriod(compName, key string) {
	e.mu.Lock()
	c, ok := e.graph.Comps[compName]
	if !ok {
		e.mu.Unlock()
		return
	}
	hc, ok := c.Healthchecks[key]
	if !ok {
		e.mu.Unlock()
		return
	}

	if hc.Kind == ComponentInvoked {
		e.mu.Unlock()
		// Supervision deadline elapsed with no HealthcheckConfirm(OK):
		// treat as a failure.
		_ = e.NotifyHealthcheckTimeout(compName, key, c.RecoveryOnError)
		return
	}

	id := e.inv.Create(invocation.InterfaceHealthcheck, healthcheckInvocation{comp: compName, key: key})
	hc.invocationID = id
	hc.hasInvocation = true
	h := e.wh.AddDuration(hc.Duration, func(any) {
		e.onHealthcheckDuration(compName, key)
	}, nil)
	hc.durationTimer = uint64(h)
	hc.hasDurationTimer = true
	e.mu.Unlock()

	if e.hooks.Healthcheck != nil {
		e.hooks.Healthcheck(c, key)
	}
}

func (e *Engine) onHealthcheckDuration(compName, key string) {
	e.mu.Lock()
	c, ok := e.graph.Comps[compName]
	if !ok {
		e.mu.Unlock()
		return
	}
	hc, ok := c.Healthchecks[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	hc.hasDurationTimer = false
	if hc.hasInvocation {
		e.inv.Take(hc.invocationID)
		hc.hasInvocation = false
	}
	recovery := c.RecoveryOnError
	e.mu.Unlock()

	_ = e.NotifyHealthcheckTimeout(compName, key, recovery)
}

// healthcheckInvocation is the data an AMF_INVOKED request's invocation
// table slot carries.
type healthcheckInvocation struct {
	comp string
	key  string
}

// ConfirmHealthcheck implements the component's reply to an AMF_INVOKED
// request (cancels the duration timer, re-arms the period) or a
// COMPONENT_INVOKED HealthcheckConfirm(OK) (restarts the supervision
// timer directly).
func (e *Engine) ConfirmHealthcheck(compName, key string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, found := e.graph.Comps[compName]
	if !found {
		return
	}
	hc, found := c.Healthchecks[key]
	if !found {
		return
	}
	if hc.Kind == AMFInvoked {
		if hc.hasDurationTimer {
			e.wh.Delete(timer.Handle(hc.durationTimer))
			hc.hasDurationTimer = false
		}
		if hc.hasInvocation {
			hc.hasInvocation = false
		}
		if !ok {
			recovery := c.RecoveryOnError
			e.mu.Unlock()
			_ = e.NotifyHealthcheckTimeout(compName, key, recovery)
			e.mu.Lock()
			return
		}
		e.armHealthcheckLocked(c, hc)
		return
	}
	// COMPONENT_INVOKED: each confirm restarts the supervision timer.
	e.armHealthcheckLocked(c, hc)
}
