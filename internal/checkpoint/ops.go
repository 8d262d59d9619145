package checkpoint

import (
	"context"
	"time"

	"clustercore/internal/corerr"
	"clustercore/internal/group"
	"clustercore/internal/wire"
)

type opKind uint16

const (
	opOpen opKind = iota
	opClose
	opUnlink
	opRetentionSet
	opSectionCreate
	opSectionDelete
	opSectionExpirationSet
	opSectionWrite
	opSectionOverwrite
	opSectionRead
	opSyncState
	opSyncSection
)

// OpenFlags selects create-on-absent behavior for Open.
type OpenFlags uint32

const FlagCreate OpenFlags = 1

// Handle identifies an open checkpoint. It carries only the name: unlike
// the invocation table a checkpoint handle has no private
// per-open data to correlate, so there is no slab to allocate from.
type Handle struct{ name string }

// NewHandle rebuilds a Handle from its checkpoint name, used by clients
// (e.g. internal/daemon's IPC dispatch) that only carry the name across
// the wire rather than holding the Handle returned by Open.
func NewHandle(name string) Handle { return Handle{name: name} }

func (h Handle) Name() string { return h.name }

func header(kind opKind, corrID uint64, origin group.NodeId) *wire.Encoder {
	e := wire.NewEncoder()
	e.PutUint16(uint16(kind))
	e.PutUint64(corrID)
	e.PutUint32(uint32(origin))
	return e
}

func putAttrs(e *wire.Encoder, a CreationAttrs) {
	e.PutUint32(uint32(a.CreationFlags))
	e.PutUint64(uint64(a.RetentionDuration))
	e.PutUint32(a.MaxSections)
	e.PutUint32(a.MaxSectionSize)
	e.PutUint32(a.MaxSectionIDSize)
}

func getAttrs(d *wire.Decoder) (CreationAttrs, error) {
	var a CreationAttrs
	flags, err := d.Uint32()
	if err != nil {
		return a, err
	}
	retention, err := d.Uint64()
	if err != nil {
		return a, err
	}
	maxSections, err := d.Uint32()
	if err != nil {
		return a, err
	}
	maxSize, err := d.Uint32()
	if err != nil {
		return a, err
	}
	maxIDSize, err := d.Uint32()
	if err != nil {
		return a, err
	}
	a.CreationFlags = CreationFlags(flags)
	a.RetentionDuration = time.Duration(retention)
	a.MaxSections = maxSections
	a.MaxSectionSize = maxSize
	a.MaxSectionIDSize = maxIDSize
	return a, nil
}

func putSectionID(e *wire.Encoder, id SectionID) {
	if id.IsDefault() {
		e.PutUint16(0)
		return
	}
	e.PutUint16(1)
	e.PutBytes(id.Bytes())
}

func getSectionID(d *wire.Decoder) (SectionID, error) {
	present, err := d.Uint16()
	if err != nil {
		return SectionID{}, err
	}
	if present == 0 {
		return None(), nil
	}
	b, err := d.Bytes()
	if err != nil {
		return SectionID{}, err
	}
	return NewSectionID(b), nil
}

// Open opens (and optionally creates) a checkpoint by name, incrementing
// its reference count.
func (e *Engine) Open(ctx context.Context, name string, attrs *CreationAttrs, flags OpenFlags) (Handle, error) {
	corrID := e.nextCorrID()
	enc := header(opOpen, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return Handle{}, corerr.New(corerr.InvalidParam, "%v", err)
	}
	if flags&FlagCreate != 0 && attrs != nil {
		enc.PutUint16(1)
		putAttrs(enc, *attrs)
	} else {
		enc.PutUint16(0)
	}
	if flags&FlagCreate != 0 {
		enc.PutUint16(1)
	} else {
		enc.PutUint16(0)
	}

	if _, err := e.call(ctx, enc.Bytes(), corrID); err != nil {
		return Handle{}, err
	}
	return Handle{name: name}, nil
}

func (e *Engine) applyOpen(sender group.NodeId, d *wire.Decoder) (any, error) {
	name, err := d.Name()
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}
	hasAttrs, err := d.Uint16()
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}
	var attrs CreationAttrs
	if hasAttrs != 0 {
		attrs, err = getAttrs(d)
		if err != nil {
			return nil, corerr.New(corerr.InvalidParam, "%v", err)
		}
	}
	create, err := d.Uint16()
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, exists := e.checkpoints[name]
	if !exists {
		if create == 0 {
			return nil, corerr.New(corerr.NotExist, "checkpoint %q", name)
		}
		if hasAttrs == 0 {
			return nil, corerr.New(corerr.InvalidParam, "create of %q requires creation attributes", name)
		}
		c = newCheckpoint(name, attrs)
		e.checkpoints[name] = c
	} else if create != 0 && hasAttrs != 0 && !c.Attrs.Equal(attrs) {
		return nil, corerr.New(corerr.Exist, "checkpoint %q exists with different attrs", name)
	}

	c.RefCount++
	c.RefPerNode[sender]++
	if c.hasRetention {
		e.wh.Delete(c.retentionTimer)
		c.hasRetention = false
	}
	return nil, nil
}

// Close releases this node's reference on h. If the ref count drops to 1
// (the creator's implicit reference), the retention timer starts; if the
// checkpoint is also unlinked, it is destroyed immediately.
func (e *Engine) Close(ctx context.Context, h Handle) error {
	corrID := e.nextCorrID()
	enc := header(opClose, corrID, e.self)
	if err := enc.PutName(h.name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applyClose(sender group.NodeId, d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if c.RefCount > 0 {
		c.RefCount--
	}
	if c.RefPerNode[sender] > 0 {
		c.RefPerNode[sender]--
	}

	if c.Unlinked && c.RefCount <= 1 {
		e.destroyLocked(c)
		return nil
	}
	if c.RefCount == 1 {
		e.maybeArmRetention(c)
	}
	return nil
}

func (e *Engine) destroyLocked(c *Checkpoint) {
	for _, s := range c.allSections() {
		if s.hasTimer {
			e.wh.Delete(s.expirationTimer)
		}
	}
	if c.hasRetention {
		e.wh.Delete(c.retentionTimer)
	}
	delete(e.checkpoints, c.Name)
}

func (e *Engine) maybeArmRetention(c *Checkpoint) {
	if c.hasRetention {
		e.wh.Delete(c.retentionTimer)
	}
	name := c.Name
	c.retentionTimer = e.wh.AddDuration(c.Attrs.RetentionDuration, func(any) {
		e.onRetentionExpired(name)
	}, nil)
	c.hasRetention = true
}

func (e *Engine) onRetentionExpired(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.checkpoints[name]
	if !ok {
		return
	}
	c.hasRetention = false
	if c.RefCount <= 1 {
		e.destroyLocked(c)
	}
}

// Unlink marks h for destruction once every open reference is closed, or
// destroys it immediately if the only remaining reference is the
// creator's implicit one.
func (e *Engine) Unlink(ctx context.Context, name string) error {
	corrID := e.nextCorrID()
	enc := header(opUnlink, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applyUnlink(d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if c.Unlinked {
		return corerr.New(corerr.InvalidParam, "checkpoint %q already unlinked", name)
	}
	c.Unlinked = true
	if c.RefCount <= 1 {
		e.destroyLocked(c)
	}
	return nil
}

// RetentionDurationSet updates the retention duration; if a retention
// timer is currently running it is restarted against the new value.
func (e *Engine) RetentionDurationSet(ctx context.Context, name string, d time.Duration) error {
	corrID := e.nextCorrID()
	enc := header(opRetentionSet, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	enc.PutUint64(uint64(d))
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applyRetentionSet(dec *wire.Decoder) error {
	name, err := dec.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	raw, err := dec.Uint64()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if c.Unlinked {
		return corerr.New(corerr.BadOperation, "checkpoint %q is unlinked", name)
	}
	c.Attrs.RetentionDuration = time.Duration(raw)
	if c.hasRetention {
		e.maybeArmRetention(c)
	}
	return nil
}

// SectionCreate adds a new section with optional expiration and initial
// contents.
func (e *Engine) SectionCreate(ctx context.Context, name string, id SectionID, expiration time.Time, initial []byte) error {
	corrID := e.nextCorrID()
	enc := header(opSectionCreate, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	putSectionID(enc, id)
	expNano := int64(0)
	if !expiration.IsZero() {
		expNano = expiration.UnixNano()
	}
	enc.PutInt64(expNano)
	enc.PutBytes(initial)
	if err := e.admit(len(initial)); err != nil {
		return err
	}
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applySectionCreate(d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	id, err := getSectionID(d)
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	expNano, err := d.Int64()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	initial, err := d.Bytes()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if c.Attrs.MaxSections == 1 {
		return corerr.New(corerr.NoSpace, "checkpoint %q has no room beyond the default section", name)
	}
	if uint32(c.sectionCount()) >= c.Attrs.MaxSections {
		return corerr.New(corerr.NoSpace, "checkpoint %q at max_sections", name)
	}
	if uint32(len(initial)) > c.Attrs.MaxSectionSize {
		return corerr.New(corerr.InvalidParam, "initial size exceeds max_section_size")
	}
	if c.lookupSection(id) != nil {
		return corerr.New(corerr.Exist, "section already present")
	}

	var expiration time.Time
	if expNano != 0 {
		expiration = time.Unix(0, expNano)
	}
	s := &Section{
		ID:             id,
		Size:           uint32(len(initial)),
		Data:           append([]byte(nil), initial...),
		ExpirationTime: expiration,
		State:          SectionValid,
		LastUpdate:     e.now(),
	}
	c.insertSection(s)
	e.armSectionExpiry(c, s)
	return nil
}

func (e *Engine) armSectionExpiry(c *Checkpoint, s *Section) {
	if s.hasTimer {
		e.wh.Delete(s.expirationTimer)
		s.hasTimer = false
	}
	if !hasExpiration(s.ExpirationTime) {
		return
	}
	name, id := c.Name, s.ID
	s.expirationTimer = e.wh.AddAbsolute(s.ExpirationTime, func(any) {
		e.onSectionExpired(name, id)
	}, nil)
	s.hasTimer = true
}

// onSectionExpired removes the section without cancelling its own timer.
// Not replicated: every node schedules independently against the same
// absolute deadline.
func (e *Engine) onSectionExpired(name string, id SectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.checkpoints[name]
	if !ok {
		return
	}
	s := c.lookupSection(id)
	if s == nil {
		return
	}
	s.hasTimer = false
	if id.IsDefault() {
		c.defaultSection = &Section{ID: None(), State: SectionValid}
		return
	}
	c.removeSection(id)
}

// SectionDelete removes a non-default section.
func (e *Engine) SectionDelete(ctx context.Context, name string, id SectionID) error {
	corrID := e.nextCorrID()
	enc := header(opSectionDelete, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	putSectionID(enc, id)
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applySectionDelete(d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	id, err := getSectionID(d)
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	if id.IsDefault() {
		return corerr.New(corerr.InvalidParam, "cannot delete the default section")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if !c.activeReplicaSetFor(e.self) {
		return corerr.New(corerr.BadOperation, "checkpoint %q has no active replica here", name)
	}
	s := c.lookupSection(id)
	if s == nil {
		return corerr.New(corerr.NotExist, "section not found")
	}
	if s.hasTimer {
		e.wh.Delete(s.expirationTimer)
	}
	c.removeSection(id)
	return nil
}

// SectionExpirationTimeSet replaces a section's expiry timer; the zero
// time cancels it.
func (e *Engine) SectionExpirationTimeSet(ctx context.Context, name string, id SectionID, expiration time.Time) error {
	corrID := e.nextCorrID()
	enc := header(opSectionExpirationSet, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	putSectionID(enc, id)
	expNano := int64(0)
	if !expiration.IsZero() {
		expNano = expiration.UnixNano()
	}
	enc.PutInt64(expNano)
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applySectionExpirationSet(d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	id, err := getSectionID(d)
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	expNano, err := d.Int64()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	if id.IsDefault() {
		return corerr.New(corerr.InvalidParam, "cannot set expiration on the default section")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if !c.activeReplicaSetFor(e.self) {
		return corerr.New(corerr.BadOperation, "checkpoint %q has no active replica here", name)
	}
	s := c.lookupSection(id)
	if s == nil {
		return corerr.New(corerr.NotExist, "section not found")
	}
	var expiration time.Time
	if expNano != 0 {
		expiration = time.Unix(0, expNano)
	}
	s.ExpirationTime = expiration
	e.armSectionExpiry(c, s)
	return nil
}

// SectionWrite overwrites a byte range, growing the section if needed.
func (e *Engine) SectionWrite(ctx context.Context, name string, id SectionID, offset uint32, data []byte) error {
	if err := e.admit(len(data)); err != nil {
		return err
	}
	corrID := e.nextCorrID()
	enc := header(opSectionWrite, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	putSectionID(enc, id)
	enc.PutUint32(offset)
	enc.PutBytes(data)
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applySectionWrite(d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	id, err := getSectionID(d)
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	offset, err := d.Uint32()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	data, err := d.Bytes()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if !c.activeReplicaSetFor(e.self) {
		return corerr.New(corerr.BadOperation, "checkpoint %q has no active replica here", name)
	}
	s := c.lookupSection(id)
	if s == nil {
		return corerr.New(corerr.NotExist, "section not found")
	}
	end := offset + uint32(len(data))
	if end > c.Attrs.MaxSectionSize {
		return corerr.New(corerr.InvalidParam, "write exceeds max_section_size")
	}
	if end > uint32(len(s.Data)) {
		grown := make([]byte, end)
		copy(grown, s.Data)
		s.Data = grown
	}
	copy(s.Data[offset:end], data)
	s.Size = uint32(len(s.Data))
	s.State = SectionValid
	s.LastUpdate = e.now()
	return nil
}

// SectionOverwrite replaces a section's entire contents.
func (e *Engine) SectionOverwrite(ctx context.Context, name string, id SectionID, data []byte) error {
	if err := e.admit(len(data)); err != nil {
		return err
	}
	corrID := e.nextCorrID()
	enc := header(opSectionOverwrite, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	putSectionID(enc, id)
	enc.PutBytes(data)
	_, err := e.call(ctx, enc.Bytes(), corrID)
	return err
}

func (e *Engine) applySectionOverwrite(d *wire.Decoder) error {
	name, err := d.Name()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	id, err := getSectionID(d)
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}
	data, err := d.Bytes()
	if err != nil {
		return corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if !c.activeReplicaSetFor(e.self) {
		return corerr.New(corerr.BadOperation, "checkpoint %q has no active replica here", name)
	}
	if uint32(len(data)) > c.Attrs.MaxSectionSize {
		return corerr.New(corerr.InvalidParam, "overwrite exceeds max_section_size")
	}
	s := c.lookupSection(id)
	if s == nil {
		return corerr.New(corerr.NotExist, "section not found")
	}
	s.Data = append([]byte(nil), data...)
	s.Size = uint32(len(data))
	s.State = SectionValid
	s.LastUpdate = e.now()
	return nil
}

// SectionRead returns min(len, size-offset) bytes; reads are shipped
// through the group too, to preserve ordering relative to writes, but
// only the origin node's call ever sees a result.
func (e *Engine) SectionRead(ctx context.Context, name string, id SectionID, offset, length uint32) ([]byte, error) {
	corrID := e.nextCorrID()
	enc := header(opSectionRead, corrID, e.self)
	if err := enc.PutName(name); err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}
	putSectionID(enc, id)
	enc.PutUint32(offset)
	enc.PutUint32(length)
	val, err := e.call(ctx, enc.Bytes(), corrID)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	return val.([]byte), nil
}

func (e *Engine) applySectionRead(d *wire.Decoder) (any, error) {
	name, err := d.Name()
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}
	id, err := getSectionID(d)
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}
	offset, err := d.Uint32()
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}
	length, err := d.Uint32()
	if err != nil {
		return nil, corerr.New(corerr.InvalidParam, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checkpoints[name]
	if !ok {
		return nil, corerr.New(corerr.NotExist, "checkpoint %q", name)
	}
	if !c.activeReplicaSetFor(e.self) {
		return nil, corerr.New(corerr.BadOperation, "checkpoint %q has no active replica here", name)
	}
	s := c.lookupSection(id)
	if s == nil {
		return nil, corerr.New(corerr.NotExist, "section not found")
	}
	if offset > s.Size {
		return nil, corerr.New(corerr.InvalidParam, "offset beyond section size")
	}
	avail := s.Size - offset
	if length > avail {
		length = avail
	}
	out := make([]byte, length)
	copy(out, s.Data[offset:offset+length])
	return out, nil
}
