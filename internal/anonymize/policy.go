package anonymize

import (
	"fmt"
	"sort"
	"strings"
)

// Field names a non-sensitive customer field that may be copied into the anonymized record.
type Field string

const (
	FieldCity      Field = "city"
	FieldState     Field = "state"
	FieldCountry   Field = "country"
	FieldCreatedAt Field = "createdAt"
)

var retainable = map[Field]struct{}{
	FieldCity:      {},
	FieldState:     {},
	FieldCountry:   {},
	FieldCreatedAt: {},
}

// Policy is the allow-list of passthrough fields. The zero Policy retains nothing,
// which emits empty geographic fields and leaves createdAt to the target store.
type Policy struct {
	retain map[Field]struct{}
}

// ParsePolicy builds a Policy from field names. Names are matched case-insensitively
// and surrounding whitespace is ignored; empty entries are skipped.
func ParsePolicy(fields []string) (Policy, error) {
	p := Policy{retain: make(map[Field]struct{}, len(fields))}
	for _, raw := range fields {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		f, ok := lookupField(name)
		if !ok {
			return Policy{}, fmt.Errorf("field %q cannot be retained (allowed: %s)", name, strings.Join(RetainableFields(), ", "))
		}
		p.retain[f] = struct{}{}
	}
	return p, nil
}

// Retains reports whether f is copied from the source record
func (p Policy) Retains(f Field) bool {
	_, ok := p.retain[f]
	return ok
}

// Fields returns the retained fields in sorted order
func (p Policy) Fields() []string {
	out := make([]string, 0, len(p.retain))
	for f := range p.retain {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

// RetainableFields lists every field a Policy may name
func RetainableFields() []string {
	out := make([]string, 0, len(retainable))
	for f := range retainable {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

func lookupField(name string) (Field, bool) {
	for f := range retainable {
		if strings.EqualFold(string(f), name) {
			return f, true
		}
	}
	return "", false
}
