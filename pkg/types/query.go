package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Interval is the step between two buckets of a time series.
type Interval string

const (
	IntervalDay   Interval = "DAY"
	IntervalWeek  Interval = "WEEK"
	IntervalMonth Interval = "MONTH"
)

// ParseInterval accepts DAY, WEEK or MONTH, case-insensitively.
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.ToUpper(strings.TrimSpace(s)))
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth:
		return i, nil
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

// Valid reports whether i is one of the supported intervals.
func (i Interval) Valid() bool {
	_, err := ParseInterval(string(i))
	return err == nil
}

// Step returns the k-th bucket boundary counted from start. Month steps are anchored
// on start so that a series starting on the 31st keeps landing on month ends.
func (i Interval) Step(start Date, k int) Date {
	switch i {
	case IntervalDay:
		return start.AddDays(k)
	case IntervalWeek:
		return start.AddDays(7 * k)
	default:
		return start.AddMonths(k)
	}
}

// SearchFilter wraps a single filter value, matching the {"value": ...} wire shape.
type SearchFilter[T any] struct {
	Value T `json:"value"`
}

// TimeSeriesFilters holds optional filters; a nil field means no constraint.
type TimeSeriesFilters struct {
	ResourceType *SearchFilter[ResourceType] `json:"resourceType,omitempty"`
	OrgPath      *SearchFilter[string]       `json:"orgPath,omitempty"`
	Transport    *SearchFilter[bool]         `json:"transport,omitempty"`
}

// TimeSeriesQuery is a time series request as received from a client.
type TimeSeriesQuery struct {
	Start    string             `json:"start"`
	End      string             `json:"end"`
	Interval Interval           `json:"interval"`
	Filters  *TimeSeriesFilters `json:"filters,omitempty"`
}

// ApplyDefaults fills omitted fields: one year back from today, monthly buckets.
func (q *TimeSeriesQuery) ApplyDefaults(today Date) {
	if q.Start == "" {
		q.Start = today.AddYears(-1).String()
	}
	if q.End == "" {
		q.End = today.String()
	}
	if q.Interval == "" {
		q.Interval = IntervalMonth
	}
}

// FilterKind tags a filter predicate.
type FilterKind string

const (
	FilterResourceType FilterKind = "resourceType"
	FilterOrgPath      FilterKind = "orgPath"
	FilterTransport    FilterKind = "transport"
)

// Predicate is one filter condition. Only the field matching Kind is meaningful.
type Predicate struct {
	Kind         FilterKind
	ResourceType ResourceType
	Pattern      string
	Transport    bool
}

// String renders the predicate canonically.
func (p Predicate) String() string {
	switch p.Kind {
	case FilterResourceType:
		return string(p.Kind) + "=" + string(p.ResourceType)
	case FilterOrgPath:
		return string(p.Kind) + "~" + strconv.Quote(p.Pattern)
	case FilterTransport:
		return string(p.Kind) + "=" + strconv.FormatBool(p.Transport)
	}
	return string(p.Kind)
}

// FilterSet is a conjunction of predicates. The empty set matches everything.
type FilterSet []Predicate

// Predicates converts the optional filters to a FilterSet in a fixed order:
// resource type, org path, transport.
func (f *TimeSeriesFilters) Predicates() FilterSet {
	if f == nil {
		return nil
	}
	var set FilterSet
	if f.ResourceType != nil {
		set = append(set, Predicate{Kind: FilterResourceType, ResourceType: f.ResourceType.Value})
	}
	if f.OrgPath != nil {
		set = append(set, Predicate{Kind: FilterOrgPath, Pattern: f.OrgPath.Value})
	}
	if f.Transport != nil {
		set = append(set, Predicate{Kind: FilterTransport, Transport: f.Transport.Value})
	}
	return set
}

// Get returns the predicate of the given kind, if present.
func (s FilterSet) Get(kind FilterKind) (Predicate, bool) {
	for _, p := range s {
		if p.Kind == kind {
			return p, true
		}
	}
	return Predicate{}, false
}

// String renders every kind in fixed order, with "*" for absent filters.
func (s FilterSet) String() string {
	kinds := []FilterKind{FilterResourceType, FilterOrgPath, FilterTransport}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if p, ok := s.Get(k); ok {
			parts = append(parts, p.String())
		} else {
			parts = append(parts, string(k)+"=*")
		}
	}
	return strings.Join(parts, "&")
}

// ValidatedQuery is a time series query that passed validation. It is produced by
// the validation package; the aggregator trusts its fields.
type ValidatedQuery struct {
	Start    Date
	End      Date
	Interval Interval
	Filters  FilterSet
}

// Canonical renders the query in a stable form used for cache keys.
func (q ValidatedQuery) Canonical() string {
	return fmt.Sprintf("start=%s|end=%s|interval=%s|filters=%s",
		q.Start, q.End, q.Interval, q.Filters)
}

// TimeSeriesPoint is one bucket of a time series.
type TimeSeriesPoint struct {
	Date  Date `json:"date"`
	Count int  `json:"count"`
}

// CalculationRequest asks for snapshots of every date in [StartInclusive, EndExclusive).
type CalculationRequest struct {
	StartInclusive Date `json:"startInclusive"`
	EndExclusive   Date `json:"endExclusive"`
}
