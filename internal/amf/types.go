// Package amf implements the availability-management entity graph and its
// per-component state machines.
//
// The graph is a plain in-memory tree with five-level
// containment (Cluster/Node/Application/ServiceGroup/ServiceUnit/Component,
// with ServiceInstance/CSI/Assignment cutting across it). All mutation
// happens through Engine.apply, driven by executive messages delivered in
// ring order, the same discipline internal/checkpoint
// follows.
package amf

import "time"

// AdminState is the administrative state an operator imposes on an entity.
type AdminState int

const (
	AdminUnlocked AdminState = iota
	AdminLocked
	AdminLockedInstantiation
	AdminShuttingDown
)

func (a AdminState) String() string {
	switch a {
	case AdminUnlocked:
		return "UNLOCKED"
	case AdminLocked:
		return "LOCKED"
	case AdminLockedInstantiation:
		return "LOCKED_INSTANTIATION"
	case AdminShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// OperState is the operational-state machine (OPSM): whether an
// entity is functioning.
type OperState int

const (
	OperDisabled OperState = iota
	OperEnabled
)

func (o OperState) String() string {
	if o == OperEnabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// ReadinessState (RESM) is derived, never stored.
type ReadinessState int

const (
	OutOfService ReadinessState = iota
	InService
	Stopping
)

func (r ReadinessState) String() string {
	switch r {
	case OutOfService:
		return "OUT_OF_SERVICE"
	case InService:
		return "IN_SERVICE"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// PresenceState is the component presence machine (PRSM).
type PresenceState int

const (
	Uninstantiated PresenceState = iota
	Instantiating
	Instantiated
	Terminating
	Restarting
	InstantiationFailed
	TerminationFailed
)

func (p PresenceState) String() string {
	switch p {
	case Uninstantiated:
		return "UNINSTANTIATED"
	case Instantiating:
		return "INSTANTIATING"
	case Instantiated:
		return "INSTANTIATED"
	case Terminating:
		return "TERMINATING"
	case Restarting:
		return "RESTARTING"
	case InstantiationFailed:
		return "INSTANTIATION_FAILED"
	case TerminationFailed:
		return "TERMINATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// presenceSub is the sub-state within a composite presence state.
type presenceSub int

const (
	subNone presenceSub = iota
	subTerminate
	subInstantiate
	subInstantiateDelay
	subCleanup
)

// HAState is the per-assignment high-availability state.
type HAState int

const (
	HAUnknown HAState = iota
	HAActive
	HAStandby
	HAQuiescing
	HAQuiesced
)

// RedundancyModel is a service group's redundancy policy.
type RedundancyModel int

const (
	Redundancy2N RedundancyModel = iota
	RedundancyNPlusM
	RedundancyNoRedundancy
)

// Category is a component's AMF category.
type Category int

const (
	CategorySAAware Category = iota
	CategoryProxy
	CategoryProxied
	CategoryLocal
)

// Capability is a component's CSI-assignment capability model.
type Capability int

const (
	CapXPlusY Capability = iota
	CapXOrY
	Cap1PlusY
	Cap1Plus1
	CapX
	Cap1
	CapNonPreInstantiable
)

// RecoveryScope says how wide an error report's recovery action reaches.
type RecoveryScope int

const (
	RecoveryComponentRestart RecoveryScope = iota
	RecoveryComponentFailover
	RecoveryNodeFailover
	RecoveryNodeFailfast
	RecoveryNodeSwitchover
	RecoveryClusterReset
	RecoveryApplicationRestart
	RecoveryNoRecommendation
)

// EscalationLevel is a SU's current position in the comp-restart -> SU-
// restart -> SU-failover -> node-failover ladder.
type EscalationLevel int

const (
	EscalationNone EscalationLevel = iota
	EscalationSURestart
	EscalationSUFailover
	EscalationNodeFailover
)

func (l EscalationLevel) String() string {
	switch l {
	case EscalationNone:
		return "NONE"
	case EscalationSURestart:
		return "SU_RESTART"
	case EscalationSUFailover:
		return "SU_FAILOVER"
	case EscalationNodeFailover:
		return "NODE_FAILOVER"
	default:
		return "UNKNOWN"
	}
}

// Cluster is the root entity.
type Cluster struct {
	Name           string
	StartupTimeout time.Duration
	AdminState     AdminState
}

// Node is a cluster member host.
type Node struct {
	Name                        string
	CLMNode                     string
	SUFailoverProb              time.Duration
	SUFailoverMax               int
	AutoRepair                  bool
	RebootOnInstantiationFailure bool
	RebootOnTerminationFailure  bool
	AdminState                  AdminState
	OperState                   OperState
}

// Application groups service groups and instances under one admin unit.
type Application struct {
	Name       string
	AdminState AdminState
	SGNames    []string
	SINames    []string
}

// ServiceGroup is a redundancy domain over a set of service units.
type ServiceGroup struct {
	Name                  string
	Redundancy            RedundancyModel
	NumPrefActiveSUs      int
	NumPrefStandbySUs     int
	NumPrefInserviceSUs   int
	NumPrefAssignedSUs    int
	MaxActiveSIsPerSU     int
	MaxStandbySIsPerSU    int
	CompRestartProb       time.Duration
	CompRestartMax        int
	SURestartProb         time.Duration
	SURestartMax          int
	AutoAdjustProb        time.Duration
	AutoRepair            bool
	AdminState            AdminState
	SUNames               []string
	RecoveryScope         RecoveryScope

	// escalation is per-SU, keyed by SU name.
	escalation map[string]*escalationState
}

type escalationState struct {
	Level         EscalationLevel
	RestartCount  int
	FailoverCount int
}

// ServiceUnit hosts a fixed set of components and is assigned whole SIs.
type ServiceUnit struct {
	Name                string
	NumComponents       int
	IsExternal          bool
	Failover            bool
	OperState           OperState
	AdminState          AdminState
	PresenceState       PresenceState
	AssignedSINames     []string
	HostedByNode        string
	NumCurrActiveSIs    int
	NumCurrStandbySIs   int
	RestartCount        int
	ComponentNames      []string
	Escalation          EscalationLevel
	RequestedHAState    HAState
	Rank                int
}

// PreInstantiable derives the SU's pre_instantiable flag:
// true unless every component in the SU is NON_PRE_INST.
func (su *ServiceUnit) PreInstantiable(comps map[string]*Component) bool {
	for _, cn := range su.ComponentNames {
		if c, ok := comps[cn]; ok && c.Capability != CapNonPreInstantiable {
			return true
		}
	}
	return len(su.ComponentNames) == 0
}

// Readiness derives the readiness state: a pure function of
// (Su.oper_state, Node.oper_state, Su.admin_state, Node.admin_state), never
// stored.
func (su *ServiceUnit) Readiness(node *Node) ReadinessState {
	if su.AdminState == AdminShuttingDown {
		return Stopping
	}
	if su.OperState == OperEnabled && su.AdminState == AdminUnlocked &&
		node != nil && node.OperState == OperEnabled && node.AdminState == AdminUnlocked {
		return InService
	}
	return OutOfService
}

// Component is the leaf entity components instantiate/terminate/fail at.
type Component struct {
	Name        string
	CSTypes     []string
	Category    Category
	Capability  Capability

	NumMaxActiveCSIs  int
	NumMaxStandbyCSIs int

	CmdEnv []string

	DefaultCLCCLITimeout     time.Duration
	DefaultCallbackTimeout   time.Duration

	InstantiateCmd    string
	InstantiateArgv   []string
	InstantiateTimeout time.Duration

	InstantiationLevel        int
	NumMaxInstWithoutDelay    int
	NumMaxInstWithDelay       int
	DelayBetweenInstAttempts  time.Duration

	TerminateCmd     string
	TerminateArgv    []string
	TerminateTimeout time.Duration

	CleanupCmd     string
	CleanupArgv    []string
	CleanupTimeout time.Duration

	AMStartCmd  string
	AMStartArgv []string
	AMStopCmd   string
	AMStopArgv  []string

	TerminateCallbackTimeout        time.Duration
	CSISetCallbackTimeout           time.Duration
	CSIRemoveCallbackTimeout        time.Duration
	QuiescingCompleteCallbackTimeout time.Duration

	RecoveryOnError RecoveryScope
	DisableRestart  bool

	ProxyCSI string

	// Container, when non-empty, names an OCI image and routes every
	// launcher operation through internal/launcher's Docker backend
	// instead of exec.
	Container string

	OperState     OperState
	PresenceState PresenceState
	presenceSub   presenceSub
	RestartCount  int

	AssignedCSINames []string
	ProxyName        string

	// ComponentType is derived from (category, capability): a label used
	// only for admin display/serialization.
	ComponentType string

	ErrorSuspected bool
	Healthchecks   map[string]*Healthcheck

	PendingInstantiateTimer uint64
	HasPendingInstantiate   bool
	PendingCleanupTimer     uint64
	HasPendingCleanup       bool

	IPCConn  uint64
	HasConn  bool

	SUName string
}

// DerivedComponentType computes the display comptype from
// category+capability.
func (c *Component) DerivedComponentType() string {
	return categoryName(c.Category) + "/" + capabilityName(c.Capability)
}

func categoryName(c Category) string {
	switch c {
	case CategorySAAware:
		return "SA_AWARE"
	case CategoryProxy:
		return "PROXY"
	case CategoryProxied:
		return "PROXIED"
	case CategoryLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

func capabilityName(c Capability) string {
	switch c {
	case CapXPlusY:
		return "X_ACTIVE_AND_Y_STANDBY"
	case CapXOrY:
		return "X_ACTIVE_OR_Y_STANDBY"
	case Cap1PlusY:
		return "1_ACTIVE_AND_Y_STANDBY"
	case Cap1Plus1:
		return "1_ACTIVE_OR_1_STANDBY"
	case CapX:
		return "X_ACTIVE_AND_NO_STANDBY"
	case Cap1:
		return "1_ACTIVE_AND_NO_STANDBY"
	case CapNonPreInstantiable:
		return "NON_PRE_INSTANTIABLE"
	default:
		return "UNKNOWN"
	}
}

// ServiceInstance is a unit of workload assigned as a whole to a SU.
type ServiceInstance struct {
	Name                string
	ProtectedBySG       string
	Rank                int
	NumCSIs             int
	PrefActiveAssignments  int
	PrefStandbyAssignments int
	AdminState          AdminState
	NumCurrActiveAssignments  int
	NumCurrStandbyAssignments int
	CSINames            []string
	DependsOn           []string
	RankedSUs           []string
}

// AssignmentState derives the SI's assignment state.
func (si *ServiceInstance) AssignmentState() string {
	switch {
	case si.NumCurrActiveAssignments == 0 && si.NumCurrStandbyAssignments == 0:
		return "UNASSIGNED"
	case si.NumCurrActiveAssignments < si.PrefActiveAssignments,
		si.NumCurrStandbyAssignments < si.PrefStandbyAssignments:
		return "PARTIALLY_ASSIGNED"
	default:
		return "FULLY_ASSIGNED"
	}
}

// CSI is a component-service-instance: the atomic unit of HA assignment.
type CSI struct {
	Name         string
	CSType       string
	Dependencies []string
	Attributes   map[string][]string
	SIName       string
}

// Assignment ties a Comp/CSI pair with the Su/Si pair that hosts it, and
// the requested vs confirmed HA state.
type Assignment struct {
	CompName     string
	CSIName      string
	SUName       string
	SIName       string
	Requested    HAState
	Confirmed    HAState
}

func (a *Assignment) key() string { return a.CompName + "\x00" + a.CSIName }
