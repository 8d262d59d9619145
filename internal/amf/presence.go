package amf

// Action tells the caller (Engine.apply) what side effect a presence
// transition requires — launching a command, starting a supervision timer,
// or nothing. Keeping the transition functions pure and returning an
// Action is what lets the same function run identically on every node
// while only
// the node that actually hosts the SU performs the side effect.
type Action int

const (
	ActionNone Action = iota
	ActionInstantiate
	ActionTerminate
	ActionCleanup
	ActionStartInstantiateTimer
	ActionStartCleanupTimer
	ActionCancelInstantiateTimer
	ActionCancelCleanupTimer
	ActionStopHealthchecks
)

// OnInstantiateEvent implements UNINSTANTIATED -> INSTANTIATING. Returns the actions the hosting node must take.
func (c *Component) OnInstantiateEvent() []Action {
	if c.PresenceState != Uninstantiated && c.PresenceState != InstantiationFailed {
		return nil
	}
	c.PresenceState = Instantiating
	c.presenceSub = subInstantiate
	return []Action{ActionInstantiate, ActionStartInstantiateTimer}
}

// OnRegistered implements INSTANTIATING -> INSTANTIATED, triggered when the
// component calls the library registration API.
func (c *Component) OnRegistered() []Action {
	if c.PresenceState != Instantiating {
		return nil
	}
	c.PresenceState = Instantiated
	c.presenceSub = subNone
	c.OperState = OperEnabled
	return []Action{ActionCancelInstantiateTimer}
}

// OnInstantiateTimeout implements INSTANTIATING -> INSTANTIATION_FAILED.
func (c *Component) OnInstantiateTimeout() []Action {
	if c.PresenceState != Instantiating {
		return nil
	}
	c.PresenceState = InstantiationFailed
	c.presenceSub = subNone
	c.OperState = OperDisabled
	return nil
}

// OnRestartRequest implements INSTANTIATED -> RESTARTING.
func (c *Component) OnRestartRequest() []Action {
	if c.PresenceState != Instantiated {
		return nil
	}
	c.PresenceState = Restarting
	c.presenceSub = subCleanup
	c.RestartCount++
	return []Action{ActionStopHealthchecks, ActionCleanup, ActionStartCleanupTimer}
}

// OnCleanupCompleted implements the three presence states that react to a
// clc_cleanup_completed event, branching on exitCode and the
// current composite sub-state.
func (c *Component) OnCleanupCompleted(exitCode int) []Action {
	switch c.PresenceState {
	case Restarting:
		if exitCode == 0 {
			c.PresenceState = Instantiating
			c.presenceSub = subInstantiate
			c.OperState = OperDisabled
			return []Action{ActionCancelCleanupTimer, ActionInstantiate, ActionStartInstantiateTimer}
		}
		c.PresenceState = TerminationFailed
		c.presenceSub = subNone
		c.OperState = OperDisabled
		return []Action{ActionCancelCleanupTimer}
	case Terminating:
		c.PresenceState = Uninstantiated
		c.presenceSub = subNone
		c.OperState = OperDisabled
		return []Action{ActionCancelCleanupTimer}
	default:
		return nil
	}
}

// OnCleanupTimeout implements RESTARTING -> TERMINATION_FAILED via cleanup
// timer expiry, the second way that transition can happen.
func (c *Component) OnCleanupTimeout() []Action {
	if c.PresenceState != Restarting {
		return nil
	}
	c.PresenceState = TerminationFailed
	c.presenceSub = subNone
	c.OperState = OperDisabled
	return nil
}

// OnTerminateRequest implements INSTANTIATED -> TERMINATING. If
// errorSuspected, skip straight to cleanup; otherwise the caller is
// expected to first run the terminate-callback protocol against the
// component (API->component) and fall back to cleanup on failure or
// timeout by calling this again with errorSuspected=true.
func (c *Component) OnTerminateRequest(errorSuspected bool) []Action {
	if c.PresenceState != Instantiated {
		return nil
	}
	c.PresenceState = Terminating
	if errorSuspected {
		c.presenceSub = subCleanup
		return []Action{ActionCleanup, ActionStartCleanupTimer}
	}
	c.presenceSub = subTerminate
	return []Action{ActionTerminate}
}

// OnTerminateCallbackFailed is called when the terminate-callback protocol
// fails or times out while TERMINATING/subTerminate: falls through to the
// cleanup hook.
func (c *Component) OnTerminateCallbackFailed() []Action {
	if c.PresenceState != Terminating || c.presenceSub != subTerminate {
		return nil
	}
	c.presenceSub = subCleanup
	return []Action{ActionCleanup, ActionStartCleanupTimer}
}
