package amf

import (
	"fmt"
	"time"

	"clustercore/internal/objdb"
)

// LoadFromObjDB walks the object database populated from the YAML
// configuration seed and builds a fresh entity Graph from
// it. The expected shape, one level per containment
// rank, mirrors objdb's own "class" tag:
//
//	root/<cluster> (class "cluster")
//	  /<node>       (class "node")
//	  /<app>        (class "application")
//	    /<sg>       (class "sg")
//	      /<su>     (class "su")
//	        /<comp> (class "comp")
//	    /<si>       (class "si")
//	      /<csi>    (class "csi")
//
// Keys on each object populate the corresponding struct's fields; any key
// absent from the database keeps the Go zero value.
func LoadFromObjDB(db *objdb.DB) (*Graph, error) {
	g := NewGraph()
	root := db.Root()

	clusterIt, err := db.ObjectFindCreate(root, "")
	if err != nil {
		return nil, fmt.Errorf("amf: load cluster: %w", err)
	}
	for {
		h, ok := clusterIt.Next()
		if !ok {
			break
		}
		name, err := db.ObjectName(h)
		if err != nil {
			return nil, err
		}
		g.Cluster = Cluster{
			Name:           name,
			StartupTimeout: durationKey(db, h, "startupTimeout"),
		}
		if err := loadChildren(db, g, h); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func loadChildren(db *objdb.DB, g *Graph, cluster objdb.Handle) error {
	it, err := db.ObjectFindCreate(cluster, "")
	if err != nil {
		return err
	}
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		name, err := db.ObjectName(h)
		if err != nil {
			return err
		}
		class, _ := db.ObjectClass(h)
		switch class {
		case "node":
			g.Nodes[name] = &Node{
				Name:           name,
				CLMNode:        stringKey(db, h, "clmNode"),
				SUFailoverProb: durationKey(db, h, "suFailoverProb"),
				SUFailoverMax:  intKey(db, h, "suFailoverMax"),
				AutoRepair:     boolKey(db, h, "autoRepair"),
			}
		case "application":
			if err := loadApplication(db, g, h, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadApplication(db *objdb.DB, g *Graph, h objdb.Handle, name string) error {
	app := &Application{Name: name}
	g.Applications[name] = app

	it, err := db.ObjectFindCreate(h, "")
	if err != nil {
		return err
	}
	for {
		child, ok := it.Next()
		if !ok {
			break
		}
		childName, err := db.ObjectName(child)
		if err != nil {
			return err
		}
		class, _ := db.ObjectClass(child)
		switch class {
		case "sg":
			app.SGNames = append(app.SGNames, childName)
			if err := loadSG(db, g, child, childName); err != nil {
				return err
			}
		case "si":
			app.SINames = append(app.SINames, childName)
			g.SIs[childName] = &ServiceInstance{
				Name:                   childName,
				ProtectedBySG:          stringKey(db, child, "protectedBySg"),
				Rank:                   intKey(db, child, "rank"),
				PrefActiveAssignments:  intKey(db, child, "prefActiveAssignments"),
				PrefStandbyAssignments: intKey(db, child, "prefStandbyAssignments"),
			}
		}
	}
	return nil
}

func loadSG(db *objdb.DB, g *Graph, h objdb.Handle, name string) error {
	sg := &ServiceGroup{
		Name:           name,
		Redundancy:     RedundancyModel(intKey(db, h, "redundancyModel")),
		CompRestartMax: intKey(db, h, "compRestartMax"),
		SURestartMax:   intKey(db, h, "suRestartMax"),
		escalation:     make(map[string]*escalationState),
	}
	g.SGs[name] = sg

	it, err := db.ObjectFindCreate(h, "")
	if err != nil {
		return err
	}
	for {
		child, ok := it.Next()
		if !ok {
			break
		}
		childName, err := db.ObjectName(child)
		if err != nil {
			return err
		}
		class, _ := db.ObjectClass(child)
		if class != "su" {
			continue
		}
		su := &ServiceUnit{
			Name:          childName,
			NumComponents: intKey(db, child, "numComponents"),
			HostedByNode:  stringKey(db, child, "hostedByNode"),
			Rank:          intKey(db, child, "rank"),
			PresenceState: Uninstantiated,
		}
		g.AddServiceUnit(name, su)
		if err := loadComponents(db, g, child, childName); err != nil {
			return err
		}
	}
	return nil
}

func loadComponents(db *objdb.DB, g *Graph, h objdb.Handle, suName string) error {
	it, err := db.ObjectFindCreate(h, "")
	if err != nil {
		return err
	}
	for {
		child, ok := it.Next()
		if !ok {
			break
		}
		childName, err := db.ObjectName(child)
		if err != nil {
			return err
		}
		class, _ := db.ObjectClass(child)
		if class != "comp" {
			continue
		}
		comp := &Component{
			Name:                   childName,
			Category:               Category(intKey(db, child, "category")),
			Capability:             Capability(intKey(db, child, "capability")),
			InstantiateCmd:         stringKey(db, child, "instantiateCmd"),
			TerminateCmd:           stringKey(db, child, "terminateCmd"),
			CleanupCmd:             stringKey(db, child, "cleanupCmd"),
			InstantiateTimeout:     durationKey(db, child, "instantiateTimeout"),
			TerminateTimeout:       durationKey(db, child, "terminateTimeout"),
			CleanupTimeout:         durationKey(db, child, "cleanupTimeout"),
			RecoveryOnError:        RecoveryScope(intKey(db, child, "recoveryOnError")),
			DisableRestart:         boolKey(db, child, "disableRestart"),
			PresenceState:          Uninstantiated,
			Healthchecks:           make(map[string]*Healthcheck),
		}
		g.AddComponent(suName, comp)
	}
	return nil
}

func stringKey(db *objdb.DB, h objdb.Handle, name string) string {
	s, _ := stringKeyErr(db, h, name)
	return s
}

func stringKeyErr(db *objdb.DB, h objdb.Handle, name string) (string, error) {
	k, err := db.KeyGetTyped(h, name)
	if err != nil {
		return "", err
	}
	s, _ := k.Value.(string)
	return s, nil
}

func intKey(db *objdb.DB, h objdb.Handle, name string) int {
	k, err := db.KeyGetTyped(h, name)
	if err != nil {
		return 0
	}
	switch v := k.Value.(type) {
	case int32:
		return int(v)
	case uint32:
		return int(v)
	case int64:
		return int(v)
	case uint64:
		return int(v)
	default:
		return 0
	}
}

func boolKey(db *objdb.DB, h objdb.Handle, name string) bool {
	return intKey(db, h, name) != 0
}

func durationKey(db *objdb.DB, h objdb.Handle, name string) time.Duration {
	k, err := db.KeyGetTyped(h, name)
	if err != nil {
		return 0
	}
	switch v := k.Value.(type) {
	case int64:
		return time.Duration(v)
	case uint64:
		return time.Duration(v)
	default:
		return 0
	}
}
