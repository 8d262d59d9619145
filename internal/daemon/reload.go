package daemon

import (
	"clustercore/internal/amf"
	"clustercore/internal/objdb"
)

// applySGBudgets walks the reloaded object database and hot-applies each
// service group's escalation budgets to the live engine. Scalar budgets
// are safe to move at runtime; topology changes are picked up only on
// restart.
func applySGBudgets(db *objdb.DB, engine *amf.Engine) {
	clusters, err := db.ObjectFindCreate(db.Root(), "")
	if err != nil {
		return
	}
	for {
		cluster, ok := clusters.Next()
		if !ok {
			return
		}
		apps, err := db.ObjectFindCreate(cluster, "")
		if err != nil {
			continue
		}
		for {
			app, ok := apps.Next()
			if !ok {
				break
			}
			if class, _ := db.ObjectClass(app); class != "application" {
				continue
			}
			sgs, err := db.ObjectFindCreate(app, "")
			if err != nil {
				continue
			}
			for {
				sg, ok := sgs.Next()
				if !ok {
					break
				}
				if class, _ := db.ObjectClass(sg); class != "sg" {
					continue
				}
				name, err := db.ObjectName(sg)
				if err != nil {
					continue
				}
				engine.UpdateSGBudgets(name, intKey(db, sg, "compRestartMax"), intKey(db, sg, "suRestartMax"))
			}
		}
	}
}

func intKey(db *objdb.DB, h objdb.Handle, name string) int {
	k, err := db.KeyGetTyped(h, name)
	if err != nil {
		return 0
	}
	switch v := k.Value.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
