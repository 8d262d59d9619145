package amf

import "sort"

// Graph is the full in-memory AMF entity tree for one cluster.
// Every field is owned exclusively by the Engine's apply loop — callers reach
// it only through Engine methods, which serialize access via the group
// message ordering itself plus Engine.mu for read-side snapshots.
type Graph struct {
	Cluster      Cluster
	Nodes        map[string]*Node
	Applications map[string]*Application
	SGs          map[string]*ServiceGroup
	SUs          map[string]*ServiceUnit
	Comps        map[string]*Component
	SIs          map[string]*ServiceInstance
	CSIs         map[string]*CSI
	Assignments  map[string]*Assignment // keyed by Assignment.key()

	// compSU/suSG index a component/SU up to its parent for fast lookup;
	// containment is otherwise only recorded top-down.
	compSU map[string]string
	suSG   map[string]string
}

// NewGraph returns an empty entity graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:        make(map[string]*Node),
		Applications: make(map[string]*Application),
		SGs:          make(map[string]*ServiceGroup),
		SUs:          make(map[string]*ServiceUnit),
		Comps:        make(map[string]*Component),
		SIs:          make(map[string]*ServiceInstance),
		CSIs:         make(map[string]*CSI),
		Assignments:  make(map[string]*Assignment),
		compSU:       make(map[string]string),
		suSG:         make(map[string]string),
	}
}

// AddServiceUnit registers su under sg, indexing its components.
func (g *Graph) AddServiceUnit(sgName string, su *ServiceUnit) {
	g.SUs[su.Name] = su
	g.suSG[su.Name] = sgName
	if sg, ok := g.SGs[sgName]; ok {
		sg.SUNames = append(sg.SUNames, su.Name)
		if sg.escalation == nil {
			sg.escalation = make(map[string]*escalationState)
		}
		sg.escalation[su.Name] = &escalationState{}
	}
}

// AddComponent registers comp under su.
func (g *Graph) AddComponent(suName string, comp *Component) {
	comp.SUName = suName
	comp.ComponentType = comp.DerivedComponentType()
	g.Comps[comp.Name] = comp
	g.compSU[comp.Name] = suName
	if su, ok := g.SUs[suName]; ok {
		su.ComponentNames = append(su.ComponentNames, comp.Name)
	}
}

// ParentSU returns the service unit hosting comp, or nil.
func (g *Graph) ParentSU(compName string) *ServiceUnit {
	suName, ok := g.compSU[compName]
	if !ok {
		return nil
	}
	return g.SUs[suName]
}

// ParentSG returns the service group owning su, or nil.
func (g *Graph) ParentSG(suName string) *ServiceGroup {
	sgName, ok := g.suSG[suName]
	if !ok {
		return nil
	}
	return g.SGs[sgName]
}

// ParentNode returns the node hosting su, or nil.
func (g *Graph) ParentNode(su *ServiceUnit) *Node {
	if su == nil {
		return nil
	}
	return g.Nodes[su.HostedByNode]
}

// EligibleSUs returns every non-failed, pre-instantiable SU in sg ranked
// ascending.
func (g *Graph) EligibleSUs(sg *ServiceGroup) []*ServiceUnit {
	var out []*ServiceUnit
	for _, name := range sg.SUNames {
		su, ok := g.SUs[name]
		if !ok {
			continue
		}
		node := g.Nodes[su.HostedByNode]
		if su.Readiness(node) != InService {
			continue
		}
		if !su.PreInstantiable(g.Comps) {
			continue
		}
		out = append(out, su)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// AssignmentsForSU returns every assignment whose SU is suName.
func (g *Graph) AssignmentsForSU(suName string) []*Assignment {
	var out []*Assignment
	for _, a := range g.Assignments {
		if a.SUName == suName {
			out = append(out, a)
		}
	}
	return out
}

// AssignmentsForSI returns every assignment whose SI is siName.
func (g *Graph) AssignmentsForSI(siName string) []*Assignment {
	var out []*Assignment
	for _, a := range g.Assignments {
		if a.SIName == siName {
			out = append(out, a)
		}
	}
	return out
}

// ActiveCount returns how many assignments of si are currently ACTIVE
// (confirmed), used to cap active assignments per SI.
func (g *Graph) ActiveCount(siName string) int {
	n := 0
	for _, a := range g.AssignmentsForSI(siName) {
		if a.Confirmed == HAActive {
			n++
		}
	}
	return n
}

// SIsForSG returns every service instance protected by sgName, sorted by
// rank then name, the order assignment decisions walk them in.
func (g *Graph) SIsForSG(sgName string) []*ServiceInstance {
	var out []*ServiceInstance
	for _, si := range g.SIs {
		if si.ProtectedBySG == sgName {
			out = append(out, si)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out
}
