package checkpoint

import (
	"sort"
	"time"

	"clustercore/internal/group"
	"clustercore/internal/wire"
)

// Init, Process, Activate, and Abort implement clustersync.Service, sequenced by internal/clustersync whenever internal/ykd forms a
// new primary. view is unused here: the checkpoint engine needs only the
// current ring id (read from the group port) to stamp outgoing sync
// messages, not the member list itself.
//
// syncWork plays both roles of a sync round over the same structure:
// Process walks it to decide what to (re-)broadcast, and Deliver's
// applySync merges incoming SYNC_STATE/SYNC_SECTION messages into it
// concurrently, so Activate's "replace the live list with the reconciled
// one" is just swapping syncWork into checkpoints.
func (e *Engine) Init(view []uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.syncWork = make(map[string]*Checkpoint, len(e.checkpoints))
	names := make([]string, 0, len(e.checkpoints))
	for name, c := range e.checkpoints {
		e.syncWork[name] = deepCopyCheckpoint(c)
		names = append(names, name)
	}
	sort.Strings(names)

	e.syncActive = true
	e.syncNames = names
	e.syncNameIdx = 0
	e.syncSectIdx = 0
	e.syncByteOff = 0
	e.syncRing = e.port.Ring()
	return nil
}

func deepCopyCheckpoint(c *Checkpoint) *Checkpoint {
	cp := newCheckpoint(c.Name, c.Attrs)
	cp.RefCount = c.RefCount
	cp.Unlinked = c.Unlinked
	cp.Expired = c.Expired
	for k, v := range c.RefPerNode {
		cp.RefPerNode[k] = v
	}
	for _, s := range c.allSections() {
		cp.insertSection(&Section{
			ID:             s.ID,
			Size:           s.Size,
			Data:           append([]byte(nil), s.Data...),
			ExpirationTime: s.ExpirationTime,
			State:          s.State,
			LastUpdate:     s.LastUpdate,
		})
	}
	return cp
}

// Process walks the remaining (checkpoint, section, byte-offset) cursor,
// (re-)broadcasting each checkpoint's SYNC_STATE and chunked SYNC_SECTION
// messages. Returns done=false (PROGRESS) without advancing past a
// back-pressured Mcast, so the driver's retry resumes exactly here.
func (e *Engine) Process() (bool, error) {
	for {
		e.mu.Lock()
		if e.syncNameIdx >= len(e.syncNames) {
			e.mu.Unlock()
			return true, nil
		}
		name := e.syncNames[e.syncNameIdx]
		c := e.syncWork[name]
		sections := c.allSections()
		if e.syncSectIdx >= len(sections) {
			e.syncNameIdx++
			e.syncSectIdx = 0
			e.syncByteOff = 0
			e.mu.Unlock()
			continue
		}
		s := sections[e.syncSectIdx]
		offset := e.syncByteOff
		ring := e.syncRing
		attrs := c.Attrs
		refVector := make(map[group.NodeId]uint32, len(c.RefPerNode))
		for k, v := range c.RefPerNode {
			refVector[k] = v
		}
		e.mu.Unlock()

		if offset == 0 {
			if err := e.sendSyncState(ring, name, attrs, refVector, s); err != nil {
				return false, nil // back-pressure: PROGRESS, retry from here
			}
		}

		end := offset + MaxSyncChunk
		if end > uint32(len(s.Data)) {
			end = uint32(len(s.Data))
		}
		chunk := s.Data[offset:end]
		if len(chunk) > 0 || offset == 0 {
			if err := e.sendSyncSection(ring, name, s.ID, offset, chunk); err != nil {
				return false, nil
			}
		}

		e.mu.Lock()
		if end >= uint32(len(s.Data)) {
			e.syncSectIdx++
			e.syncByteOff = 0
		} else {
			e.syncByteOff = end
		}
		e.mu.Unlock()
	}
}

func (e *Engine) sendSyncState(ring group.RingId, name string, attrs CreationAttrs, refVector map[group.NodeId]uint32, s *Section) error {
	enc := wire.NewEncoder()
	enc.PutUint16(uint16(opSyncState))
	enc.PutUint64(0)
	enc.PutUint32(uint32(e.self))
	enc.PutUint32(uint32(ring.Representative))
	enc.PutUint64(ring.Seq)
	if err := enc.PutName(name); err != nil {
		return err
	}
	putAttrs(enc, attrs)
	enc.PutUint16(uint16(len(refVector)))
	for node, count := range refVector {
		enc.PutUint32(uint32(node))
		enc.PutUint32(count)
	}
	putSectionID(enc, s.ID)
	enc.PutUint32(s.Size)
	expNano := int64(0)
	if !s.ExpirationTime.IsZero() {
		expNano = s.ExpirationTime.UnixNano()
	}
	enc.PutInt64(expNano)
	return e.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed)
}

func (e *Engine) sendSyncSection(ring group.RingId, name string, id SectionID, offset uint32, chunk []byte) error {
	enc := wire.NewEncoder()
	enc.PutUint16(uint16(opSyncSection))
	enc.PutUint64(0)
	enc.PutUint32(uint32(e.self))
	enc.PutUint32(uint32(ring.Representative))
	enc.PutUint64(ring.Seq)
	if err := enc.PutName(name); err != nil {
		return err
	}
	putSectionID(enc, id)
	enc.PutUint32(offset)
	enc.PutBytes(chunk)
	return e.port.Mcast(groupName, enc.Bytes(), group.GuaranteeAgreed)
}

// applySync decodes and merges one SYNC_STATE or SYNC_SECTION message,
// ignoring it if stamped with the already-fully-synced ring.
func (e *Engine) applySync(kind opKind, d *wire.Decoder) {
	repNode, err := d.Uint32()
	if err != nil {
		return
	}
	seq, err := d.Uint64()
	if err != nil {
		return
	}
	previousRing := group.RingId{Representative: group.NodeId(repNode), Seq: seq}

	e.mu.Lock()
	defer e.mu.Unlock()

	if previousRing == e.savedRing {
		return
	}
	if e.syncWork == nil {
		// Not mid-round locally (e.g. we're not primary): nothing to
		// reconcile into yet. A later sync round will pick this up once
		// we start our own, since the sender keeps rebroadcasting until
		// its own Process finishes.
		return
	}

	switch kind {
	case opSyncState:
		e.applySyncStateLocked(d)
	case opSyncSection:
		e.applySyncSectionLocked(d)
	}
}

func (e *Engine) applySyncStateLocked(d *wire.Decoder) {
	name, err := d.Name()
	if err != nil {
		return
	}
	attrs, err := getAttrs(d)
	if err != nil {
		return
	}
	count, err := d.Uint16()
	if err != nil {
		return
	}
	refVector := make(map[group.NodeId]uint32, count)
	for i := uint16(0); i < count; i++ {
		node, err := d.Uint32()
		if err != nil {
			return
		}
		c, err := d.Uint32()
		if err != nil {
			return
		}
		refVector[group.NodeId(node)] = c
	}
	id, err := getSectionID(d)
	if err != nil {
		return
	}
	size, err := d.Uint32()
	if err != nil {
		return
	}
	expNano, err := d.Int64()
	if err != nil {
		return
	}

	c, ok := e.syncWork[name]
	if !ok {
		c = newCheckpoint(name, attrs)
		e.syncWork[name] = c
	}
	for node, remoteCount := range refVector {
		if remoteCount > c.RefPerNode[node] {
			c.RefPerNode[node] = remoteCount
		}
	}
	c.RefCount = 1
	for _, v := range c.RefPerNode {
		c.RefCount += v
	}

	s := c.lookupSection(id)
	if s == nil {
		var exp time.Time
		if expNano != 0 {
			exp = time.Unix(0, expNano)
		}
		c.insertSection(&Section{ID: id, Size: size, ExpirationTime: exp, State: SectionValid})
	}
}

func (e *Engine) applySyncSectionLocked(d *wire.Decoder) {
	name, err := d.Name()
	if err != nil {
		return
	}
	id, err := getSectionID(d)
	if err != nil {
		return
	}
	offset, err := d.Uint32()
	if err != nil {
		return
	}
	chunk, err := d.Bytes()
	if err != nil {
		return
	}

	c, ok := e.syncWork[name]
	if !ok {
		c = newCheckpoint(name, CreationAttrs{})
		e.syncWork[name] = c
	}
	s := c.lookupSection(id)
	if s == nil {
		s = &Section{ID: id, State: SectionValid}
		c.insertSection(s)
	}
	end := offset + uint32(len(chunk))
	if end > uint32(len(s.Data)) {
		grown := make([]byte, end)
		copy(grown, s.Data)
		s.Data = grown
	}
	copy(s.Data[offset:end], chunk)
	if uint32(len(s.Data)) > s.Size {
		s.Size = uint32(len(s.Data))
	}
}

// Activate commits the reconciled syncWork as the live checkpoint list,
// re-arming every section's expiration timer against the shared clock.
func (e *Engine) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, old := range e.checkpoints {
		for _, s := range old.allSections() {
			if s.hasTimer {
				e.wh.Delete(s.expirationTimer)
			}
		}
		if old.hasRetention {
			e.wh.Delete(old.retentionTimer)
		}
	}

	e.checkpoints = e.syncWork
	for _, c := range e.checkpoints {
		for _, s := range c.allSections() {
			// A SYNC_STATE descriptor declared more bytes than the
			// SYNC_SECTION chunks actually delivered: the transfer was
			// cut short by the config change that ended the round. Mark
			// the section so CORRUPTED iteration can find it.
			if uint32(len(s.Data)) < s.Size {
				s.State = SectionCorrupted
			}
			e.armSectionExpiry(c, s)
		}
		if c.RefCount == 1 {
			e.maybeArmRetention(c)
		}
	}

	e.savedRing = e.syncRing
	e.syncActive = false
	e.syncWork = nil
	return nil
}

// Abort discards the in-progress reconciliation; the next membership
// change starts a fresh round from current live state.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncActive = false
	e.syncWork = nil
}
