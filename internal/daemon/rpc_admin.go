package daemon

import (
	"context"
	"sort"

	"clustercore/internal/adminrpc"
	"clustercore/internal/amf"
	"clustercore/internal/registry"
	"clustercore/internal/wire"
)

// registerAdminHandlers installs clusterctl's cluster-administration
// operations into reg under adminrpc.ServiceID, so
// internal/adminrpc's grpc front door can dispatch through the same
// registry.Registry the component-library IPC surface uses.
func registerAdminHandlers(reg *registry.Registry, engine *amf.Engine) {
	reg.NameService(adminrpc.ServiceID, "admin")

	reg.Register(adminrpc.ServiceID, adminrpc.FnPing, func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnAssignSI, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		siName, err := d.Name()
		if err != nil {
			return nil, err
		}
		suName, err := d.Name()
		if err != nil {
			return nil, err
		}
		state, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		flag, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		return nil, engine.RequestAssignSI(ctx, siName, suName, amf.HAState(state), amf.CSISetFlag(flag))
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnUnassignSU, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		suName, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.RequestUnassignSU(ctx, suName)
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnSetNodeOper, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		nodeName, err := d.Name()
		if err != nil {
			return nil, err
		}
		state, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		return nil, engine.RequestSetNodeOper(ctx, nodeName, amf.OperState(state))
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnEscalate, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		sgName, err := d.Name()
		if err != nil {
			return nil, err
		}
		suName, err := d.Name()
		if err != nil {
			return nil, err
		}
		level, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		return nil, engine.RequestEscalate(ctx, sgName, suName, amf.EscalationLevel(level))
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnNodeLeft, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		nodeName, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.RequestNodeLeft(ctx, nodeName)
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnQuiesceSU, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		suName, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.RequestQuiesce(ctx, suName)
	})

	reg.Register(adminrpc.ServiceID, adminrpc.FnDescribe, func(_ context.Context, _ []byte) ([]byte, error) {
		return encodeDescribe(engine.Graph()), nil
	})
}

// encodeDescribe serializes the subset of the entity graph clusterctl's
// status/describe commands need: nodes, service units, and service
// instances, each as a count prefix followed by fixed fields (internal/wire
// has no repeated-field primitive of its own, so this is the same
// count-then-loop shape internal/clustersync uses for its sync records).
func encodeDescribe(g *amf.Graph) []byte {
	enc := wire.NewEncoder()

	nodeNames := sortedKeys(g.Nodes)
	enc.PutUint32(uint32(len(nodeNames)))
	for _, name := range nodeNames {
		n := g.Nodes[name]
		enc.PutName(n.Name)
		enc.PutUint32(uint32(n.AdminState))
		enc.PutUint32(uint32(n.OperState))
	}

	suNames := sortedKeys(g.SUs)
	enc.PutUint32(uint32(len(suNames)))
	for _, name := range suNames {
		su := g.SUs[name]
		enc.PutName(su.Name)
		enc.PutName(su.HostedByNode)
		enc.PutUint32(uint32(su.PresenceState))
		enc.PutUint32(uint32(su.OperState))
		enc.PutUint32(uint32(su.AdminState))
		enc.PutUint32(uint32(su.Readiness(g.Nodes[su.HostedByNode])))
		enc.PutUint32(uint32(su.Escalation))
	}

	siNames := sortedKeys(g.SIs)
	enc.PutUint32(uint32(len(siNames)))
	for _, name := range siNames {
		si := g.SIs[name]
		enc.PutName(si.Name)
		enc.PutName(si.ProtectedBySG)
		enc.PutUint32(uint32(si.NumCurrActiveAssignments))
		enc.PutUint32(uint32(si.NumCurrStandbyAssignments))
		enc.PutName(si.AssignmentState())
	}

	return enc.Bytes()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
