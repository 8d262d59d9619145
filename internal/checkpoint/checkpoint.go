// Package checkpoint implements the replicated checkpoint/section store:
// a cluster-wide key/value service where every mutating
// operation is shipped as an executive message over internal/group and
// applied deterministically in ring order on every node, including the
// originator.
package checkpoint

import (
	"time"

	"clustercore/internal/group"
	"clustercore/internal/timer"
)

// MaxProcessors mirrors PROCESSOR_COUNT_MAX: the size bound on
// ref-count vectors.
const MaxProcessors = 16

// MaxSyncChunk is the payload cap for one SYNC_SECTION transfer.
const MaxSyncChunk = 400 * 1024

// CreationFlags mirrors the SA_CKPT_WR_* bits from the original API.
type CreationFlags uint32

const (
	FlagAllReplicasWrite CreationFlags = 1 << iota
	FlagActiveReplicaWrite
	FlagActiveReplicaWriteWeak
	FlagCollocated
)

func (f CreationFlags) has(bit CreationFlags) bool { return f&bit != 0 }

// CreationAttrs are supplied on first Open(CREATE) and are immutable for
// the life of the checkpoint.
type CreationAttrs struct {
	CreationFlags     CreationFlags
	RetentionDuration time.Duration
	MaxSections       uint32
	MaxSectionSize    uint32
	MaxSectionIDSize  uint32
}

// Equal reports whether two CreationAttrs describe the same checkpoint
// shape, used to detect the EXIST("create on present with mismatched
// attrs") conflict.
func (a CreationAttrs) Equal(b CreationAttrs) bool {
	return a.CreationFlags == b.CreationFlags &&
		a.RetentionDuration == b.RetentionDuration &&
		a.MaxSections == b.MaxSections &&
		a.MaxSectionSize == b.MaxSectionSize &&
		a.MaxSectionIDSize == b.MaxSectionIDSize
}

// SectionID is opaque section-identifying bytes. The distinguished default
// section has no id at all: None() is distinct from an empty-but-present
// id.
type SectionID struct {
	present bool
	bytes   []byte
}

// None identifies the distinguished default section that exists on every
// checkpoint from creation.
func None() SectionID { return SectionID{} }

// NewSectionID wraps id as a present (possibly zero-length) section id.
func NewSectionID(id []byte) SectionID {
	return SectionID{present: true, bytes: append([]byte(nil), id...)}
}

func (s SectionID) IsDefault() bool { return !s.present }
func (s SectionID) Bytes() []byte   { return s.bytes }

// key returns a map key that never collides between the default section
// and a present-but-empty id.
func (s SectionID) key() string {
	if !s.present {
		return "\x00default"
	}
	return "\x01" + string(s.bytes)
}

// SectionState distinguishes sections whose bytes are trustworthy from
// ones a sync round left incomplete: Activate marks a section CORRUPTED
// when its SYNC_SECTION chunks delivered fewer bytes than its SYNC_STATE
// descriptor declared. A later write or overwrite restores VALID.
type SectionState int

const (
	SectionValid SectionState = iota
	SectionCorrupted
)

// Section is one named region of opaque bytes within a checkpoint.
type Section struct {
	ID             SectionID
	Size           uint32
	Data           []byte
	ExpirationTime time.Time // zero value means END (never expires)
	State          SectionState
	LastUpdate     time.Time

	expirationTimer timer.Handle
	hasTimer        bool
}

func hasExpiration(t time.Time) bool { return !t.IsZero() }

// Checkpoint is the replicated per-name record: creation attributes,
// sections, and the reference-count bookkeeping that drives retention.
type Checkpoint struct {
	Name  string
	Attrs CreationAttrs

	sections       map[string]*Section
	sectionOrder   []string // insertion order, for iteration
	defaultSection *Section

	RefCount   uint32
	RefPerNode map[group.NodeId]uint32

	Unlinked bool
	Expired  bool

	activeReplicaNode group.NodeId
	activeReplicaSet  bool

	retentionTimer timer.Handle
	hasRetention   bool
}

func newCheckpoint(name string, attrs CreationAttrs) *Checkpoint {
	c := &Checkpoint{
		Name:       name,
		Attrs:      attrs,
		RefCount:   1, // the creator's implicit reference
		sections:   make(map[string]*Section),
		RefPerNode: make(map[group.NodeId]uint32),
		defaultSection: &Section{
			ID:         None(),
			State:      SectionValid,
			LastUpdate: time.Time{},
		},
	}
	return c
}

// sectionCount is the number of sections including the default one, the
// quantity compared against Attrs.MaxSections (so a max_sections of 1
// leaves no room for any named section, and SectionCreate rejects it up
// front).
func (c *Checkpoint) sectionCount() int { return len(c.sections) + 1 }

func (c *Checkpoint) lookupSection(id SectionID) *Section {
	if id.IsDefault() {
		return c.defaultSection
	}
	return c.sections[id.key()]
}

func (c *Checkpoint) insertSection(s *Section) {
	if s.ID.IsDefault() {
		c.defaultSection = s
		return
	}
	k := s.ID.key()
	if _, exists := c.sections[k]; !exists {
		c.sectionOrder = append(c.sectionOrder, k)
	}
	c.sections[k] = s
}

func (c *Checkpoint) removeSection(id SectionID) {
	if id.IsDefault() {
		return
	}
	k := id.key()
	delete(c.sections, k)
	for i, o := range c.sectionOrder {
		if o == k {
			c.sectionOrder = append(c.sectionOrder[:i], c.sectionOrder[i+1:]...)
			break
		}
	}
}

// allSections returns every section including the default one, in a
// stable order (default first, then creation order) for iteration and
// sync snapshotting.
func (c *Checkpoint) allSections() []*Section {
	out := make([]*Section, 0, len(c.sections)+1)
	out = append(out, c.defaultSection)
	for _, k := range c.sectionOrder {
		out = append(out, c.sections[k])
	}
	return out
}

// activeReplicaSetFor computes the active_replica_set flag for
// this node: true iff any write flag implying single-writer semantics is
// set, and (for collocated checkpoints) this node has been promoted.
func (c *Checkpoint) activeReplicaSetFor(self group.NodeId) bool {
	writeFlagSet := c.Attrs.CreationFlags.has(FlagAllReplicasWrite) ||
		c.Attrs.CreationFlags.has(FlagActiveReplicaWrite) ||
		c.Attrs.CreationFlags.has(FlagActiveReplicaWriteWeak)
	if !writeFlagSet {
		return false
	}
	if c.Attrs.CreationFlags.has(FlagAllReplicasWrite) {
		return true // every replica is writable
	}
	if !c.Attrs.CreationFlags.has(FlagCollocated) {
		return true // non-collocated active-replica checkpoints are writable everywhere
	}
	return c.activeReplicaSet && c.activeReplicaNode == self
}
