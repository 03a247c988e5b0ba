package main

import (
	"testing"

	"github.com/chronostat/chronostat/pkg/types"
)

func TestParseRange(t *testing.T) {
	req, err := parseRange("2024-02-28", "2024-03-01")
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if !req.StartInclusive.Equal(types.MustParseDate("2024-02-28")) {
		t.Errorf("start = %s", req.StartInclusive)
	}
	if !req.EndExclusive.Equal(types.MustParseDate("2024-03-01")) {
		t.Errorf("end = %s", req.EndExclusive)
	}

	for _, bad := range [][2]string{{"2024/02/28", "2024-03-01"}, {"2024-02-28", "tomorrow"}} {
		if _, err := parseRange(bad[0], bad[1]); err == nil {
			t.Errorf("parseRange(%q, %q) should fail", bad[0], bad[1])
		}
	}
}
