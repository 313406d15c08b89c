package changes

import (
	"strings"
)

// Redacted replaces the value of sensitive fields in human-readable
// output. Error messages must use the same substitution.
const Redacted = "<redacted>"

// Describe renders a one-line summary of a ChangeSet, changed fields
// only, e.g. "status: ACTIVE -> SUBMITTED; comments: (absent) -> hi".
// Values of fields flagged sensitive in the record type definition are
// replaced with <redacted>.
func (d *Detector) Describe(cs ChangeSet) string {
	def := d.registry.Get(cs.RecordType)
	parts := make([]string, 0, len(cs.Changes))
	for _, change := range cs.Changes {
		oldText := describeValue(change.Old, change.OldAbsent)
		newText := describeValue(change.New, change.NewAbsent)
		if def.IsSensitive(change.Field) {
			if !change.OldAbsent {
				oldText = Redacted
			}
			if !change.NewAbsent {
				newText = Redacted
			}
		}
		parts = append(parts, change.Field+": "+oldText+" -> "+newText)
	}
	return strings.Join(parts, "; ")
}

func describeValue(value any, absent bool) string {
	if absent {
		return "(absent)"
	}
	if s, ok := value.(string); ok {
		return s
	}
	return formatValue(value)
}
