package changes

// FieldChange records one field whose value differs between the old
// and new snapshot. Absence is tracked separately from null: a field
// added with value nil has OldAbsent true and New nil, which is not
// the same as a null-to-null no-op.
type FieldChange struct {
	Field     string `json:"field"`
	Old       any    `json:"old,omitempty"`
	New       any    `json:"new,omitempty"`
	OldAbsent bool   `json:"old_absent,omitempty"`
	NewAbsent bool   `json:"new_absent,omitempty"`
}

// ChangeSet is the ordered list of field differences between two
// snapshots of one record type. Order follows the record type
// definition so two diffs of equal snapshots are identical.
type ChangeSet struct {
	RecordType string        `json:"record_type,omitempty"`
	Changes    []FieldChange `json:"changes,omitempty"`
}

// Empty reports whether the diff found no differing fields.
func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// Detector diffs, describes and serializes snapshots using the record
// type definitions held by its registry.
type Detector struct {
	registry *Registry
}

// NewDetector returns a Detector backed by the given registry.
func NewDetector(registry *Registry) *Detector {
	return &Detector{registry: registry}
}

// Diff compares two snapshots of the same record type and returns the
// fields whose values differ. A nil oldSnap models a create and a nil
// newSnap a delete; every present field then appears as added or
// removed. Fields equal by value are omitted.
func (d *Detector) Diff(recordType string, oldSnap, newSnap Snapshot) ChangeSet {
	def := d.registry.Get(recordType)
	cs := ChangeSet{RecordType: recordType}
	for _, name := range fieldOrder(def, oldSnap, newSnap) {
		oldVal, inOld := oldSnap[name]
		newVal, inNew := newSnap[name]
		if inOld && inNew && valuesEqual(oldVal, newVal) {
			continue
		}
		cs.Changes = append(cs.Changes, FieldChange{
			Field:     name,
			Old:       oldVal,
			New:       newVal,
			OldAbsent: !inOld,
			NewAbsent: !inNew,
		})
	}
	return cs
}

// Apply replays a ChangeSet onto a snapshot: changed fields take their
// new value and removed fields disappear. Applying Diff(old, new) to
// old reproduces new.
func Apply(snap Snapshot, cs ChangeSet) Snapshot {
	out := make(Snapshot, len(snap))
	for name, value := range snap {
		out[name] = value
	}
	for _, change := range cs.Changes {
		if change.NewAbsent {
			delete(out, change.Field)
			continue
		}
		out[change.Field] = change.New
	}
	return out
}
