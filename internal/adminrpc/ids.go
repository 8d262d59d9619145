package adminrpc

// Service and function ids for the admin dispatch table. Shared between internal/daemon,
// which registers these handlers against internal/registry, and
// clusterctl, which calls them through Client.Invoke.
const ServiceID uint16 = 4

const (
	FnPing uint16 = iota
	FnAssignSI
	FnUnassignSU
	FnSetNodeOper
	FnEscalate
	FnNodeLeft
	FnDescribe
	FnQuiesceSU
)
