// Package validation checks time series queries before they reach the store.
package validation

import (
	"fmt"
	"regexp"
	"time"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/pkg/types"
)

// UnfilteredFloor is the earliest start for queries without a resource type
// filter: not every kind has data before it.
var UnfilteredFloor = types.NewDate(2024, time.January, 1)

// TypeFloors is the earliest start per resource type, reflecting when
// ingestion began for that kind.
var TypeFloors = map[types.ResourceType]types.Date{
	types.ResourceConcept:          types.NewDate(2023, time.February, 1),
	types.ResourceDataService:      types.NewDate(2023, time.February, 1),
	types.ResourceDataset:          types.NewDate(2022, time.November, 1),
	types.ResourceTypeEvent:        types.NewDate(2024, time.January, 1),
	types.ResourceInformationModel: types.NewDate(2024, time.January, 1),
	types.ResourceService:          types.NewDate(2024, time.January, 1),
}

// Config holds validator configuration.
type Config struct {
	// StrictAlignment rejects WEEK spans that are not whole weeks and MONTH
	// boundaries not on the 1st.
	StrictAlignment bool

	// Now supplies "today" in UTC. Defaults to time.Now.
	Now func() time.Time
}

// Validator applies the query rules in a fixed order; the first violation wins.
type Validator struct {
	strict bool
	now    func() time.Time
}

// New creates a validator.
func New(cfg Config) *Validator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{strict: cfg.StrictAlignment, now: cfg.Now}
}

// Validate checks q and returns its typed form.
func (v *Validator) Validate(q types.TimeSeriesQuery) (types.ValidatedQuery, error) {
	start, end, interval, filters, err := parse(q)
	if err != nil {
		return types.ValidatedQuery{}, err
	}

	if start.After(end) {
		return types.ValidatedQuery{}, invalid(staterrors.CodeRangeInverted,
			"start %s is after end %s", start, end)
	}

	if err := checkSpan(start, end, interval); err != nil {
		return types.ValidatedQuery{}, err
	}

	if v.strict {
		if err := checkAlignment(start, end, interval); err != nil {
			return types.ValidatedQuery{}, err
		}
	}

	if err := checkFloor(start, filters); err != nil {
		return types.ValidatedQuery{}, err
	}

	if today := types.Today(v.now); end.After(today) {
		return types.ValidatedQuery{}, invalid(staterrors.CodeFutureRange,
			"end %s is after today %s", end, today)
	}

	return types.ValidatedQuery{
		Start:    start,
		End:      end,
		Interval: interval,
		Filters:  filters,
	}, nil
}

func parse(q types.TimeSeriesQuery) (types.Date, types.Date, types.Interval, types.FilterSet, error) {
	var zero types.Date

	start, err := types.ParseDate(q.Start)
	if err != nil {
		return zero, zero, "", nil, invalid(staterrors.CodeInvalidFormat, "start must follow yyyy-MM-dd, got %q", q.Start)
	}
	end, err := types.ParseDate(q.End)
	if err != nil {
		return zero, zero, "", nil, invalid(staterrors.CodeInvalidFormat, "end must follow yyyy-MM-dd, got %q", q.End)
	}
	interval, err := types.ParseInterval(string(q.Interval))
	if err != nil {
		return zero, zero, "", nil, invalid(staterrors.CodeInvalidFormat, "interval must be DAY, WEEK or MONTH, got %q", q.Interval)
	}

	filters := q.Filters.Predicates()
	for _, p := range filters {
		switch p.Kind {
		case types.FilterResourceType:
			if !p.ResourceType.Valid() {
				return zero, zero, "", nil, invalid(staterrors.CodeInvalidFormat, "unknown resource type %q", p.ResourceType)
			}
		case types.FilterOrgPath:
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return zero, zero, "", nil, invalid(staterrors.CodeInvalidFormat, "orgPath is not a valid regular expression: %v", err)
			}
		}
	}

	return start, end, interval, filters, nil
}

// checkSpan enforces the minimum and maximum coverage per interval.
func checkSpan(start, end types.Date, interval types.Interval) error {
	var minStart, maxSpanStart types.Date
	var minLabel, maxLabel string

	switch interval {
	case types.IntervalDay:
		minStart, minLabel = end.AddDays(-1), "1 day"
		maxSpanStart, maxLabel = end.AddMonths(-4), "4 months"
	case types.IntervalWeek:
		minStart, minLabel = end.AddDays(-7), "1 week"
		maxSpanStart, maxLabel = end.AddYears(-2), "2 years"
	default:
		minStart, minLabel = end.AddMonths(-1), "1 month"
		maxSpanStart, maxLabel = end.AddYears(-10), "10 years"
	}

	if start.After(minStart) {
		return invalid(staterrors.CodeRangeTooShort, "period has to cover at least %s for %s", minLabel, interval)
	}
	if start.Before(maxSpanStart) {
		return invalid(staterrors.CodeRangeTooLong, "period may cover at most %s for %s", maxLabel, interval)
	}
	return nil
}

func checkAlignment(start, end types.Date, interval types.Interval) error {
	switch interval {
	case types.IntervalWeek:
		if start.DaysUntil(end)%7 != 0 {
			return invalid(staterrors.CodeRangeMisaligned, "WEEK period must span whole weeks")
		}
	case types.IntervalMonth:
		if start.Day() != 1 || end.Day() != 1 {
			return invalid(staterrors.CodeRangeMisaligned, "MONTH period must start and end on the 1st")
		}
	}
	return nil
}

func checkFloor(start types.Date, filters types.FilterSet) error {
	floor := UnfilteredFloor
	label := "all resource types"
	if p, ok := filters.Get(types.FilterResourceType); ok {
		floor = TypeFloors[p.ResourceType]
		label = string(p.ResourceType)
	}
	if start.Before(floor) {
		return invalid(staterrors.CodeDataUnavailable, "no data available for %s before %s", label, floor)
	}
	return nil
}

func invalid(code, format string, args ...interface{}) error {
	return staterrors.NewValidationError(code, fmt.Sprintf(format, args...))
}
