package audit

import (
	"fmt"
	"time"
)

// Built-in retention policy names.
const (
	PolicyStandard = "standard"
	PolicyExtended = "extended"
	PolicyMinimum  = "minimum"
)

// Retention is a calendar offset applied to an entry's creation time.
type Retention struct {
	Years  int
	Months int
	Days   int
}

// RetentionPolicies maps policy names to offsets and names the default.
type RetentionPolicies struct {
	Default  string
	Policies map[string]Retention
}

// DefaultRetentionPolicies returns the built-in table: standard (7 years,
// the default), extended (10 years) and minimum (1 year).
func DefaultRetentionPolicies() RetentionPolicies {
	return RetentionPolicies{
		Default: PolicyStandard,
		Policies: map[string]Retention{
			PolicyStandard: {Years: 7},
			PolicyExtended: {Years: 10},
			PolicyMinimum:  {Years: 1},
		},
	}
}

// ComputeExpiration returns createdAt plus the offset of the named policy.
// An empty name selects the default policy.
func (p RetentionPolicies) ComputeExpiration(createdAt time.Time, name string) (time.Time, error) {
	if name == "" {
		name = p.Default
	}
	r, ok := p.Policies[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unknown retention policy %q", ErrValidation, name)
	}
	return createdAt.AddDate(r.Years, r.Months, r.Days), nil
}
