// Package seed loads the cluster's object-database configuration document
// and applies it to a fresh internal/amf.Graph before the event
// loop starts processing group traffic, the same way a joining node's
// sync round deserializes a graph under its known parents.
//
// It also carries the node/transport topology so
// internal/daemon can build the group.Transport without a second
// configuration surface.
package seed

import (
	"fmt"
	"os"
	"time"

	"clustercore/internal/amf"
	"clustercore/internal/group"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

// Document is the top-level YAML shape: one cluster, its member nodes, and
// the application/SG/SU/component/SI/CSI tree the daemon builds its
// entity graph from.
type Document struct {
	Cluster      clusterDoc      `yaml:"cluster"`
	Nodes        []nodeDoc       `yaml:"nodes"`
	Applications []applicationDoc `yaml:"applications"`
}

type clusterDoc struct {
	Name           string `yaml:"name"`
	StartupTimeout string `yaml:"startup_timeout"`
}

type nodeDoc struct {
	Name string `yaml:"name"`
	// ID is the node's explicit group identity. When zero, PublicKey must
	// be set and the id is derived from it, so clusters already keyed by
	// overlay public key need not invent a second identifier.
	ID                          uint32 `yaml:"id"`
	PublicKey                   string `yaml:"public_key"`
	ListenAddr                  string `yaml:"listen_addr"`
	CLMNode                     string `yaml:"clm_node"`
	SUFailoverProb              string `yaml:"su_failover_prob"`
	SUFailoverMax               int    `yaml:"su_failover_max"`
	AutoRepair                  bool   `yaml:"auto_repair"`
	RebootOnInstantiationFailure bool  `yaml:"reboot_on_instantiation_failure"`
	RebootOnTerminationFailure  bool   `yaml:"reboot_on_termination_failure"`
}

type applicationDoc struct {
	Name string       `yaml:"name"`
	SGs  []sgDoc      `yaml:"service_groups"`
	SIs  []siDoc      `yaml:"service_instances"`
}

type sgDoc struct {
	Name                string    `yaml:"name"`
	Redundancy          string    `yaml:"redundancy_model"`
	NumPrefActiveSUs    int       `yaml:"num_pref_active_sus"`
	NumPrefStandbySUs   int       `yaml:"num_pref_standby_sus"`
	NumPrefInserviceSUs int       `yaml:"num_pref_inservice_sus"`
	NumPrefAssignedSUs  int       `yaml:"num_pref_assigned_sus"`
	MaxActiveSIsPerSU   int       `yaml:"max_active_sis_per_su"`
	MaxStandbySIsPerSU  int       `yaml:"max_standby_sis_per_su"`
	CompRestartProb     string    `yaml:"comp_restart_prob"`
	CompRestartMax      int       `yaml:"comp_restart_max"`
	SURestartProb       string    `yaml:"su_restart_prob"`
	SURestartMax        int       `yaml:"su_restart_max"`
	AutoAdjustProb      string    `yaml:"auto_adjust_prob"`
	AutoRepair          bool      `yaml:"auto_repair"`
	RecoveryScope       string    `yaml:"recovery_scope"`
	SUs                 []suDoc  `yaml:"service_units"`
}

type suDoc struct {
	Name         string       `yaml:"name"`
	HostedByNode string       `yaml:"hosted_by_node"`
	Rank         int          `yaml:"rank"`
	IsExternal   bool         `yaml:"is_external"`
	Components   []compDoc    `yaml:"components"`
}

type compDoc struct {
	Name                   string   `yaml:"name"`
	CSTypes                []string `yaml:"cs_types"`
	Category               string   `yaml:"category"`
	Capability             string   `yaml:"capability"`
	NumMaxActiveCSIs       int      `yaml:"num_max_active_csi"`
	NumMaxStandbyCSIs      int      `yaml:"num_max_standby_csi"`
	CmdEnv                 []string `yaml:"cmd_env"`
	DefaultCLCCLITimeout   string   `yaml:"default_clc_cli_timeout"`
	DefaultCallbackTimeout string   `yaml:"default_callback_timeout"`
	InstantiateCmd         string   `yaml:"instantiate_cmd"`
	InstantiateArgv        []string `yaml:"instantiate_argv"`
	InstantiateTimeout     string   `yaml:"instantiate_timeout"`
	InstantiationLevel     int      `yaml:"instantiation_level"`
	TerminateCmd           string   `yaml:"terminate_cmd"`
	TerminateArgv          []string `yaml:"terminate_argv"`
	TerminateTimeout       string   `yaml:"terminate_timeout"`
	CleanupCmd             string   `yaml:"cleanup_cmd"`
	CleanupArgv            []string `yaml:"cleanup_argv"`
	CleanupTimeout         string   `yaml:"cleanup_timeout"`
	RecoveryOnError        string   `yaml:"recovery_on_error"`
	DisableRestart         bool     `yaml:"disable_restart"`
	ProxyCSI               string   `yaml:"proxy_csi"`
	Container              string   `yaml:"container"` // image ref; empty selects the exec backend
}

type siDoc struct {
	Name                   string   `yaml:"name"`
	ProtectedBySG          string   `yaml:"protected_by_sg"`
	Rank                   int      `yaml:"rank"`
	NumCSIs                int      `yaml:"num_csis"`
	PrefActiveAssignments  int      `yaml:"pref_active_assignments"`
	PrefStandbyAssignments int      `yaml:"pref_standby_assignments"`
	DependsOn              []string `yaml:"depends_on"`
	RankedSUs              []string `yaml:"ranked_sus"`
	CSINames               []string `yaml:"csis"`
}

// Load reads and parses a seed document from path.
func Load(path string) (*Document, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return data, nil
}

func parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	for _, n := range doc.Nodes {
		if _, err := n.nodeID(); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

// Peers returns the group-messaging topology this document describes.
// Nodes whose id cannot be resolved are skipped; parse already rejected
// such documents, so this only defends against a hand-built Document.
func (doc *Document) Peers() []group.PeerAddr {
	out := make([]group.PeerAddr, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		id, err := n.nodeID()
		if err != nil {
			continue
		}
		out = append(out, group.PeerAddr{Node: id, Addr: n.ListenAddr})
	}
	return out
}

// NodeID returns the configured group.NodeId for nodeName.
func (doc *Document) NodeID(nodeName string) (group.NodeId, bool) {
	for _, n := range doc.Nodes {
		if n.Name == nodeName {
			id, err := n.nodeID()
			if err != nil {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}

// nodeID resolves the node's group identity: the explicit id when given,
// otherwise derived from the overlay public key.
func (n nodeDoc) nodeID() (group.NodeId, error) {
	if n.ID != 0 {
		return group.NodeId(n.ID), nil
	}
	if n.PublicKey == "" {
		return 0, fmt.Errorf("seed: node %q has neither id nor public_key", n.Name)
	}
	key, err := wgtypes.ParseKey(n.PublicKey)
	if err != nil {
		return 0, fmt.Errorf("seed: node %q public_key: %w", n.Name, err)
	}
	return group.NodeIdFromKey(key), nil
}

// Apply populates g with every entity the document describes, and returns
// the node-name lookup internal/recovery needs for its ConfChg hook. It
// must run before the group starts delivering traffic.
func (doc *Document) Apply(g *amf.Graph) (map[group.NodeId]string, error) {
	g.Cluster = amf.Cluster{
		Name:           doc.Cluster.Name,
		StartupTimeout: mustDuration(doc.Cluster.StartupTimeout),
		AdminState:     amf.AdminUnlocked,
	}

	nodeNames := make(map[group.NodeId]string, len(doc.Nodes))
	for _, n := range doc.Nodes {
		g.Nodes[n.Name] = &amf.Node{
			Name:                         n.Name,
			CLMNode:                      n.CLMNode,
			SUFailoverProb:               mustDuration(n.SUFailoverProb),
			SUFailoverMax:                n.SUFailoverMax,
			AutoRepair:                   n.AutoRepair,
			RebootOnInstantiationFailure: n.RebootOnInstantiationFailure,
			RebootOnTerminationFailure:   n.RebootOnTerminationFailure,
			AdminState:                   amf.AdminUnlocked,
			OperState:                    amf.OperEnabled,
		}
		id, err := n.nodeID()
		if err != nil {
			return nil, err
		}
		nodeNames[id] = n.Name
	}

	for _, app := range doc.Applications {
		a := &amf.Application{Name: app.Name, AdminState: amf.AdminUnlocked}
		for _, sg := range app.SGs {
			a.SGNames = append(a.SGNames, sg.Name)
			if err := applySG(g, sg); err != nil {
				return nil, fmt.Errorf("seed: application %s: %w", app.Name, err)
			}
		}
		for _, si := range app.SIs {
			a.SINames = append(a.SINames, si.Name)
			g.SIs[si.Name] = &amf.ServiceInstance{
				Name:                   si.Name,
				ProtectedBySG:          si.ProtectedBySG,
				Rank:                   si.Rank,
				NumCSIs:                si.NumCSIs,
				PrefActiveAssignments:  si.PrefActiveAssignments,
				PrefStandbyAssignments: si.PrefStandbyAssignments,
				AdminState:             amf.AdminUnlocked,
				DependsOn:              si.DependsOn,
				RankedSUs:              si.RankedSUs,
				CSINames:               si.CSINames,
			}
			for _, csiName := range si.CSINames {
				g.CSIs[csiName] = &amf.CSI{Name: csiName, SIName: si.Name}
			}
		}
		g.Applications[app.Name] = a
	}

	return nodeNames, nil
}

func applySG(g *amf.Graph, sg sgDoc) error {
	red, err := parseRedundancy(sg.Redundancy)
	if err != nil {
		return err
	}
	scope, err := parseRecoveryScope(sg.RecoveryScope)
	if err != nil {
		return err
	}
	g.SGs[sg.Name] = &amf.ServiceGroup{
		Name:                sg.Name,
		Redundancy:          red,
		NumPrefActiveSUs:    sg.NumPrefActiveSUs,
		NumPrefStandbySUs:   sg.NumPrefStandbySUs,
		NumPrefInserviceSUs: sg.NumPrefInserviceSUs,
		NumPrefAssignedSUs:  sg.NumPrefAssignedSUs,
		MaxActiveSIsPerSU:   sg.MaxActiveSIsPerSU,
		MaxStandbySIsPerSU:  sg.MaxStandbySIsPerSU,
		CompRestartProb:     mustDuration(sg.CompRestartProb),
		CompRestartMax:      sg.CompRestartMax,
		SURestartProb:       mustDuration(sg.SURestartProb),
		SURestartMax:        sg.SURestartMax,
		AutoAdjustProb:      mustDuration(sg.AutoAdjustProb),
		AutoRepair:          sg.AutoRepair,
		AdminState:          amf.AdminUnlocked,
		RecoveryScope:       scope,
	}
	for i, su := range sg.SUs {
		rank := su.Rank
		if rank == 0 {
			rank = i
		}
		g.AddServiceUnit(sg.Name, &amf.ServiceUnit{
			Name:         su.Name,
			NumComponents: len(su.Components),
			IsExternal:   su.IsExternal,
			OperState:    amf.OperEnabled,
			AdminState:   amf.AdminUnlocked,
			HostedByNode: su.HostedByNode,
			Rank:         rank,
		})
		for _, comp := range su.Components {
			c, err := buildComponent(comp)
			if err != nil {
				return err
			}
			g.AddComponent(su.Name, c)
		}
	}
	return nil
}

func buildComponent(comp compDoc) (*amf.Component, error) {
	cat, err := parseCategory(comp.Category)
	if err != nil {
		return nil, err
	}
	cap_, err := parseCapability(comp.Capability)
	if err != nil {
		return nil, err
	}
	recovery, err := parseRecoveryScope(comp.RecoveryOnError)
	if err != nil {
		return nil, err
	}
	return &amf.Component{
		Name:                     comp.Name,
		CSTypes:                  comp.CSTypes,
		Category:                 cat,
		Capability:               cap_,
		NumMaxActiveCSIs:         comp.NumMaxActiveCSIs,
		NumMaxStandbyCSIs:        comp.NumMaxStandbyCSIs,
		CmdEnv:                   comp.CmdEnv,
		DefaultCLCCLITimeout:     mustDuration(comp.DefaultCLCCLITimeout),
		DefaultCallbackTimeout:   mustDuration(comp.DefaultCallbackTimeout),
		InstantiateCmd:           comp.InstantiateCmd,
		InstantiateArgv:          comp.InstantiateArgv,
		InstantiateTimeout:       mustDuration(comp.InstantiateTimeout),
		InstantiationLevel:       comp.InstantiationLevel,
		TerminateCmd:             comp.TerminateCmd,
		TerminateArgv:            comp.TerminateArgv,
		TerminateTimeout:         mustDuration(comp.TerminateTimeout),
		CleanupCmd:               comp.CleanupCmd,
		CleanupArgv:              comp.CleanupArgv,
		CleanupTimeout:           mustDuration(comp.CleanupTimeout),
		RecoveryOnError:          recovery,
		DisableRestart:           comp.DisableRestart,
		ProxyCSI:                 comp.ProxyCSI,
		Container:                comp.Container,
		OperState:                amf.OperEnabled,
		PresenceState:            amf.Uninstantiated,
	}, nil
}

func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func parseRedundancy(s string) (amf.RedundancyModel, error) {
	switch s {
	case "", "2N":
		return amf.Redundancy2N, nil
	case "N+M":
		return amf.RedundancyNPlusM, nil
	case "no-redundancy":
		return amf.RedundancyNoRedundancy, nil
	default:
		return 0, fmt.Errorf("seed: unknown redundancy_model %q", s)
	}
}

func parseRecoveryScope(s string) (amf.RecoveryScope, error) {
	switch s {
	case "":
		return amf.RecoveryNoRecommendation, nil
	case "COMPONENT_RESTART":
		return amf.RecoveryComponentRestart, nil
	case "COMPONENT_FAILOVER":
		return amf.RecoveryComponentFailover, nil
	case "NODE_FAILOVER":
		return amf.RecoveryNodeFailover, nil
	case "NODE_FAILFAST":
		return amf.RecoveryNodeFailfast, nil
	case "NODE_SWITCHOVER":
		return amf.RecoveryNodeSwitchover, nil
	case "CLUSTER_RESET":
		return amf.RecoveryClusterReset, nil
	case "APPLICATION_RESTART":
		return amf.RecoveryApplicationRestart, nil
	default:
		return 0, fmt.Errorf("seed: unknown recovery scope %q", s)
	}
}

func parseCategory(s string) (amf.Category, error) {
	switch s {
	case "", "SA-AWARE":
		return amf.CategorySAAware, nil
	case "PROXY":
		return amf.CategoryProxy, nil
	case "PROXIED":
		return amf.CategoryProxied, nil
	case "LOCAL":
		return amf.CategoryLocal, nil
	default:
		return 0, fmt.Errorf("seed: unknown component category %q", s)
	}
}

func parseCapability(s string) (amf.Capability, error) {
	switch s {
	case "", "X+Y":
		return amf.CapXPlusY, nil
	case "XorY":
		return amf.CapXOrY, nil
	case "1+Y":
		return amf.Cap1PlusY, nil
	case "1+1":
		return amf.Cap1Plus1, nil
	case "X":
		return amf.CapX, nil
	case "1":
		return amf.Cap1, nil
	case "NON_PRE_INST":
		return amf.CapNonPreInstantiable, nil
	default:
		return 0, fmt.Errorf("seed: unknown component capability %q", s)
	}
}
