// Package client is clusterctl's handle onto a running clustercored: it
// wraps internal/adminrpc's raw (service, function) dispatch in the typed
// operations the CLI and its ui package actually call.
package client

import (
	"context"
	"fmt"

	"clustercore/internal/adminrpc"
	"clustercore/internal/amf"
	"clustercore/internal/wire"
	"clustercore/pkg/sdk/types"
)

// Client talks to one clustercored's admin surface.
type Client struct {
	rpc *adminrpc.Client
}

// NewUnix dials a clustercored listening for admin RPCs on socketPath.
func NewUnix(socketPath string) (*Client, error) {
	return Dial("unix:" + socketPath)
}

// Dial connects to an admin listener at target (host:port, or a grpc
// "unix:" target for a local socket).
func Dial(target string) (*Client, error) {
	rpc, err := adminrpc.Dial(target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{rpc: rpc}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rpc.Close() }

// Ping verifies the daemon is reachable and answering admin RPCs.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnPing, nil)
	return err
}

// GetStatus fetches a snapshot of the cluster's nodes, service units, and
// service instances.
func (c *Client) GetStatus(ctx context.Context) (types.ClusterStatus, error) {
	resp, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnDescribe, nil)
	if err != nil {
		return types.ClusterStatus{}, err
	}
	return decodeStatus(resp)
}

// AssignSI requests si be assigned to su with the given HA state.
func (c *Client) AssignSI(ctx context.Context, siName, suName string, haState uint32, flag uint32) error {
	enc := wire.NewEncoder()
	if err := enc.PutName(siName); err != nil {
		return err
	}
	if err := enc.PutName(suName); err != nil {
		return err
	}
	enc.PutUint32(haState)
	enc.PutUint32(flag)
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnAssignSI, enc.Bytes())
	return err
}

// QuiesceSU requests that su's components wind down cleanly — CSISetCallback
// with HA state QUIESCING — ahead of an UnassignSU, instead of cutting them
// over immediately.
func (c *Client) QuiesceSU(ctx context.Context, suName string) error {
	enc := wire.NewEncoder()
	if err := enc.PutName(suName); err != nil {
		return err
	}
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnQuiesceSU, enc.Bytes())
	return err
}

// UnassignSU removes every SI assignment from su.
func (c *Client) UnassignSU(ctx context.Context, suName string) error {
	enc := wire.NewEncoder()
	if err := enc.PutName(suName); err != nil {
		return err
	}
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnUnassignSU, enc.Bytes())
	return err
}

// SetNodeOper administratively sets a node's operational state.
func (c *Client) SetNodeOper(ctx context.Context, nodeName string, operState uint32) error {
	enc := wire.NewEncoder()
	if err := enc.PutName(nodeName); err != nil {
		return err
	}
	enc.PutUint32(operState)
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnSetNodeOper, enc.Bytes())
	return err
}

// Escalate forces su's escalation counter to level within sg, used by operators reproducing an incident by hand.
func (c *Client) Escalate(ctx context.Context, sgName, suName string, level uint32) error {
	enc := wire.NewEncoder()
	if err := enc.PutName(sgName); err != nil {
		return err
	}
	if err := enc.PutName(suName); err != nil {
		return err
	}
	enc.PutUint32(level)
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnEscalate, enc.Bytes())
	return err
}

// NodeLeft tells the cluster to treat nodeName as permanently departed,
// releasing any assignments it held without waiting for confchg.
func (c *Client) NodeLeft(ctx context.Context, nodeName string) error {
	enc := wire.NewEncoder()
	if err := enc.PutName(nodeName); err != nil {
		return err
	}
	_, err := c.rpc.Invoke(ctx, adminrpc.ServiceID, adminrpc.FnNodeLeft, enc.Bytes())
	return err
}

func decodeStatus(payload []byte) (types.ClusterStatus, error) {
	d := wire.NewDecoder(payload)
	var out types.ClusterStatus

	nodeCount, err := d.Uint32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < nodeCount; i++ {
		name, err := d.Name()
		if err != nil {
			return out, err
		}
		adminState, err := d.Uint32()
		if err != nil {
			return out, err
		}
		operState, err := d.Uint32()
		if err != nil {
			return out, err
		}
		out.Nodes = append(out.Nodes, types.NodeStatus{
			Name:       name,
			AdminState: amf.AdminState(adminState).String(),
			OperState:  amf.OperState(operState).String(),
		})
	}

	suCount, err := d.Uint32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < suCount; i++ {
		name, err := d.Name()
		if err != nil {
			return out, err
		}
		node, err := d.Name()
		if err != nil {
			return out, err
		}
		presence, err := d.Uint32()
		if err != nil {
			return out, err
		}
		operState, err := d.Uint32()
		if err != nil {
			return out, err
		}
		adminState, err := d.Uint32()
		if err != nil {
			return out, err
		}
		readiness, err := d.Uint32()
		if err != nil {
			return out, err
		}
		escalation, err := d.Uint32()
		if err != nil {
			return out, err
		}
		out.ServiceUnits = append(out.ServiceUnits, types.ServiceUnitStatus{
			Name:          name,
			Node:          node,
			PresenceState: amf.PresenceState(presence).String(),
			OperState:     amf.OperState(operState).String(),
			AdminState:    amf.AdminState(adminState).String(),
			Readiness:     amf.ReadinessState(readiness).String(),
			Escalation:    amf.EscalationLevel(escalation).String(),
		})
	}

	siCount, err := d.Uint32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < siCount; i++ {
		name, err := d.Name()
		if err != nil {
			return out, err
		}
		sg, err := d.Name()
		if err != nil {
			return out, err
		}
		active, err := d.Uint32()
		if err != nil {
			return out, err
		}
		standby, err := d.Uint32()
		if err != nil {
			return out, err
		}
		assignmentState, err := d.Name()
		if err != nil {
			return out, err
		}
		out.ServiceInstances = append(out.ServiceInstances, types.ServiceInstanceStatus{
			Name:            name,
			ServiceGroup:    sg,
			ActiveAssigned:  int(active),
			StandbyAssigned: int(standby),
			AssignmentState: assignmentState,
		})
	}

	return out, nil
}
