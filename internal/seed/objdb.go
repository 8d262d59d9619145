package seed

import (
	"clustercore/internal/objdb"
)

// dbWriter wraps objdb writes so a populate pass can run straight through
// and surface only the first error.
type dbWriter struct {
	db  *objdb.DB
	err error
}

func (w *dbWriter) obj(parent objdb.Handle, name, class string) objdb.Handle {
	if w.err != nil {
		return 0
	}
	h, err := w.db.ObjectCreate(parent, name, class)
	if err != nil {
		w.err = err
	}
	return h
}

func (w *dbWriter) str(h objdb.Handle, key, val string) {
	if w.err != nil {
		return
	}
	w.err = w.db.KeyCreateTyped(h, key, val, objdb.TypeString)
}

func (w *dbWriter) i32(h objdb.Handle, key string, val int) {
	if w.err != nil {
		return
	}
	w.err = w.db.KeyCreateTyped(h, key, int32(val), objdb.TypeInt32)
}

func (w *dbWriter) i64(h objdb.Handle, key string, val int64) {
	if w.err != nil {
		return
	}
	w.err = w.db.KeyCreateTyped(h, key, val, objdb.TypeInt64)
}

func (w *dbWriter) flag(h objdb.Handle, key string, val bool) {
	n := 0
	if val {
		n = 1
	}
	w.i32(h, key, n)
}

// PopulateObjDB mirrors doc into db using the class/key layout
// amf.LoadFromObjDB reads, so the object database carries the same
// configuration the entity graph was built from and trackers can watch it
// change across reloads.
func PopulateObjDB(db *objdb.DB, doc *Document) error {
	w := &dbWriter{db: db}

	cluster := w.obj(db.Root(), doc.Cluster.Name, "cluster")
	w.i64(cluster, "startupTimeout", int64(mustDuration(doc.Cluster.StartupTimeout)))

	for _, n := range doc.Nodes {
		h := w.obj(cluster, n.Name, "node")
		w.str(h, "clmNode", n.CLMNode)
		w.i64(h, "suFailoverProb", int64(mustDuration(n.SUFailoverProb)))
		w.i32(h, "suFailoverMax", n.SUFailoverMax)
		w.flag(h, "autoRepair", n.AutoRepair)
	}

	for _, app := range doc.Applications {
		ah := w.obj(cluster, app.Name, "application")
		for _, sg := range app.SGs {
			red, err := parseRedundancy(sg.Redundancy)
			if err != nil {
				return err
			}
			sgh := w.obj(ah, sg.Name, "sg")
			w.i32(sgh, "redundancyModel", int(red))
			w.i32(sgh, "compRestartMax", sg.CompRestartMax)
			w.i32(sgh, "suRestartMax", sg.SURestartMax)
			for _, su := range sg.SUs {
				suh := w.obj(sgh, su.Name, "su")
				w.i32(suh, "numComponents", len(su.Components))
				w.str(suh, "hostedByNode", su.HostedByNode)
				w.i32(suh, "rank", su.Rank)
				for _, comp := range su.Components {
					cat, err := parseCategory(comp.Category)
					if err != nil {
						return err
					}
					capability, err := parseCapability(comp.Capability)
					if err != nil {
						return err
					}
					recovery, err := parseRecoveryScope(comp.RecoveryOnError)
					if err != nil {
						return err
					}
					ch := w.obj(suh, comp.Name, "comp")
					w.i32(ch, "category", int(cat))
					w.i32(ch, "capability", int(capability))
					w.str(ch, "instantiateCmd", comp.InstantiateCmd)
					w.str(ch, "terminateCmd", comp.TerminateCmd)
					w.str(ch, "cleanupCmd", comp.CleanupCmd)
					w.i64(ch, "instantiateTimeout", int64(mustDuration(comp.InstantiateTimeout)))
					w.i64(ch, "terminateTimeout", int64(mustDuration(comp.TerminateTimeout)))
					w.i64(ch, "cleanupTimeout", int64(mustDuration(comp.CleanupTimeout)))
					w.i32(ch, "recoveryOnError", int(recovery))
					w.flag(ch, "disableRestart", comp.DisableRestart)
				}
			}
		}
		for _, si := range app.SIs {
			sih := w.obj(ah, si.Name, "si")
			w.str(sih, "protectedBySg", si.ProtectedBySG)
			w.i32(sih, "rank", si.Rank)
			w.i32(sih, "prefActiveAssignments", si.PrefActiveAssignments)
			w.i32(sih, "prefStandbyAssignments", si.PrefStandbyAssignments)
		}
	}
	return w.err
}

// Reload re-reads the seed document at path and swaps db's tree for the
// new one, bracketing the swap with ReloadNotify so trackers observe
// start, then end or failure. A document that fails to parse leaves the
// previous tree untouched.
func Reload(db *objdb.DB, path string) (*Document, error) {
	db.ReloadNotify(objdb.ReloadStart)

	doc, err := Load(path)
	if err != nil {
		db.ReloadNotify(objdb.ReloadFailed)
		return nil, err
	}

	it, err := db.ObjectFindCreate(db.Root(), "")
	if err == nil {
		var old []objdb.Handle
		for {
			h, ok := it.Next()
			if !ok {
				break
			}
			old = append(old, h)
		}
		for _, h := range old {
			_ = db.ObjectDestroy(h)
		}
	}

	if err := PopulateObjDB(db, doc); err != nil {
		db.ReloadNotify(objdb.ReloadFailed)
		return nil, err
	}
	db.ReloadNotify(objdb.ReloadEnd)
	return doc, nil
}
