package amf

// CSISetFlag tells a CSISetCallback which CSIs of an assignment batch to
// touch.
type CSISetFlag int

const (
	FlagAddOne CSISetFlag = iota
	FlagTargetOne
	FlagTargetAll
)

// RequestHA records the HA state AMF wants, updating Requested and
// leaving Confirmed untouched until the component replies.
func (a *Assignment) RequestHA(state HAState) {
	a.Requested = state
}

// ConfirmHA applies a component's CSISetCallback/CSIRemoveCallback reply.
// ok=false means the callback failed: the SI must record the assignment
// as failed so the parent SG's redundancy policy re-evaluates.
func (a *Assignment) ConfirmHA(state HAState, ok bool) {
	if !ok {
		a.Confirmed = HAUnknown
		return
	}
	a.Confirmed = state
}
