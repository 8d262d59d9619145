package seed

import (
	"os"
	"testing"
	"time"

	"clustercore/internal/amf"
	"clustercore/internal/group"
	"clustercore/internal/objdb"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const testKey = "QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVphYmNkZWY="

const testDoc = `
cluster:
  name: test-cluster
  startup_timeout: 10s
nodes:
  - name: node-a
    id: 1
    listen_addr: 127.0.0.1:7400
  - name: node-b
    public_key: ` + testKey + `
    listen_addr: 127.0.0.1:7401
applications:
  - name: app1
    service_groups:
      - name: sg1
        redundancy_model: 2N
        service_units:
          - name: su1
            hosted_by_node: node-a
`

func TestParseResolvesNodeIdentity(t *testing.T) {
	doc, err := parse([]byte(testDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	id, ok := doc.NodeID("node-a")
	if !ok || id != 1 {
		t.Fatalf("NodeID(node-a) = %v, %v; want 1, true", id, ok)
	}

	key, err := wgtypes.ParseKey(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	id, ok = doc.NodeID("node-b")
	if !ok || id != group.NodeIdFromKey(key) {
		t.Fatalf("NodeID(node-b) = %v, %v; want key-derived id %v", id, ok, group.NodeIdFromKey(key))
	}

	if _, ok := doc.NodeID("node-c"); ok {
		t.Fatal("NodeID(node-c) should report not-found")
	}
}

func TestParseRejectsNodeWithoutIdentity(t *testing.T) {
	_, err := parse([]byte(`
nodes:
  - name: anonymous
    listen_addr: 127.0.0.1:7400
`))
	if err == nil {
		t.Fatal("expected parse to reject a node with neither id nor public_key")
	}
}

func TestPeersCarriesListenAddrs(t *testing.T) {
	doc, err := parse([]byte(testDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	peers := doc.Peers()
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0].Node != 1 || peers[0].Addr != "127.0.0.1:7400" {
		t.Fatalf("peers[0] = %+v", peers[0])
	}
}

func TestApplyBuildsGraphAndNodeNames(t *testing.T) {
	doc, err := parse([]byte(testDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	g := amf.NewGraph()
	nodeNames, err := doc.Apply(g)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if g.Cluster.Name != "test-cluster" {
		t.Fatalf("cluster name = %q", g.Cluster.Name)
	}
	if _, ok := g.Nodes["node-a"]; !ok {
		t.Fatal("node-a missing from graph")
	}
	if name := nodeNames[1]; name != "node-a" {
		t.Fatalf("nodeNames[1] = %q, want node-a", name)
	}
	su, ok := g.SUs["su1"]
	if !ok {
		t.Fatal("su1 missing from graph")
	}
	if su.HostedByNode != "node-a" {
		t.Fatalf("su1 hosted by %q, want node-a", su.HostedByNode)
	}
}

const fullDoc = `
cluster:
  name: test-cluster
  startup_timeout: 10s
nodes:
  - name: node-a
    id: 1
    listen_addr: 127.0.0.1:7400
applications:
  - name: app1
    service_groups:
      - name: sg1
        redundancy_model: 2N
        comp_restart_max: 3
        su_restart_max: 2
        service_units:
          - name: su1
            hosted_by_node: node-a
            rank: 1
            components:
              - name: comp1
                category: SA-AWARE
                capability: "1"
                instantiate_cmd: /bin/comp1
                cleanup_cmd: /bin/comp1-cleanup
                instantiate_timeout: 5s
                cleanup_timeout: 3s
                recovery_on_error: COMPONENT_RESTART
                disable_restart: true
    service_instances:
      - name: si1
        protected_by_sg: sg1
        rank: 1
        pref_active_assignments: 1
`

// TestPopulateObjDBRoundTrip writes a document into the object database
// and reads it back through amf.LoadFromObjDB, pinning the class/key
// layout the two sides must agree on.
func TestPopulateObjDBRoundTrip(t *testing.T) {
	doc, err := parse([]byte(fullDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	db := objdb.New(nil)
	if err := PopulateObjDB(db, doc); err != nil {
		t.Fatalf("populate: %v", err)
	}

	g, err := amf.LoadFromObjDB(db)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if g.Cluster.Name != "test-cluster" || g.Cluster.StartupTimeout != 10*time.Second {
		t.Fatalf("cluster = %+v", g.Cluster)
	}
	if n, ok := g.Nodes["node-a"]; !ok || n.Name != "node-a" {
		t.Fatalf("node-a = %+v", n)
	}
	sg, ok := g.SGs["sg1"]
	if !ok || sg.CompRestartMax != 3 || sg.SURestartMax != 2 {
		t.Fatalf("sg1 = %+v", sg)
	}
	su, ok := g.SUs["su1"]
	if !ok || su.HostedByNode != "node-a" || su.NumComponents != 1 {
		t.Fatalf("su1 = %+v", su)
	}
	comp, ok := g.Comps["comp1"]
	if !ok {
		t.Fatal("comp1 missing")
	}
	if comp.InstantiateCmd != "/bin/comp1" || comp.InstantiateTimeout != 5*time.Second ||
		comp.RecoveryOnError != amf.RecoveryComponentRestart || !comp.DisableRestart {
		t.Fatalf("comp1 = %+v", comp)
	}
	si, ok := g.SIs["si1"]
	if !ok || si.ProtectedBySG != "sg1" || si.PrefActiveAssignments != 1 {
		t.Fatalf("si1 = %+v", si)
	}
}

// TestReloadNotifiesTrackers covers the reload bracket: a good document
// fires start then end and swaps the tree; an unparseable one fires start
// then failed and leaves the previous tree alone.
func TestReloadNotifiesTrackers(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/seed.yaml"
	if err := os.WriteFile(path, []byte(fullDoc), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	db := objdb.New(nil)
	var phases []objdb.ReloadPhase
	db.TrackStart(db.Root(), objdb.DepthRecursive, nil, nil, nil, func(phase objdb.ReloadPhase) {
		phases = append(phases, phase)
	}, nil)

	if _, err := Reload(db, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(phases) != 2 || phases[0] != objdb.ReloadStart || phases[1] != objdb.ReloadEnd {
		t.Fatalf("phases = %v, want [start end]", phases)
	}
	if _, err := amf.LoadFromObjDB(db); err != nil {
		t.Fatalf("load after reload: %v", err)
	}

	phases = nil
	if err := os.WriteFile(path, []byte("cluster: ["), 0o644); err != nil {
		t.Fatalf("write bad seed: %v", err)
	}
	if _, err := Reload(db, path); err == nil {
		t.Fatal("expected reload of an unparseable document to fail")
	}
	if len(phases) != 2 || phases[0] != objdb.ReloadStart || phases[1] != objdb.ReloadFailed {
		t.Fatalf("phases = %v, want [start failed]", phases)
	}
	// The previous tree survives a failed reload.
	if _, err := amf.LoadFromObjDB(db); err != nil {
		t.Fatalf("load after failed reload: %v", err)
	}
}
