package ledger

import (
	"testing"
	"time"
)

func TestParseDailyLimit(t *testing.T) {
	t.Parallel()
	cases := []struct {
		plan    string
		limit   int64
		limited bool
	}{
		{"500k", 500_000, true},
		{"100m", 100_000_000, true},
		{"2b", 2_000_000_000, true},
		{"1.5m", 1_500_000, true},
		{"0", 0, true},
		{"unlimited", 0, false},
		{" Unlimited ", 0, false},
		{"garbage", 0, true},
	}
	for _, tc := range cases {
		limit, limited := ParseDailyLimit(tc.plan)
		if limit != tc.limit || limited != tc.limited {
			t.Errorf("ParseDailyLimit(%q) = (%d, %v), want (%d, %v)", tc.plan, limit, limited, tc.limit, tc.limited)
		}
	}
}

func TestIsValidPlan(t *testing.T) {
	t.Parallel()
	for _, p := range ValidPlans {
		if !IsValidPlan(p) {
			t.Errorf("expected %q to be valid", p)
		}
	}
	if IsValidPlan("250k") {
		t.Error("unknown plan must be invalid")
	}
	if IsValidPlan("") {
		t.Error("empty plan must be invalid")
	}
}

func TestIsNewDay(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 0, 0, 1, 0, time.UTC)

	sameDay := time.Date(2025, 6, 14, 23, 59, 59, 0, time.UTC).Add(time.Minute).Unix()
	if IsNewDay(&sameDay, now) {
		t.Error("one minute into the same UTC day must not be a new day")
	}

	prevDay := time.Date(2025, 6, 14, 23, 59, 59, 0, time.UTC).Unix()
	if !IsNewDay(&prevDay, now) {
		t.Error("previous UTC date two seconds earlier must be a new day")
	}

	if !IsNewDay(nil, now) {
		t.Error("nil timestamp must count as a new day")
	}
	negative := int64(-5)
	if !IsNewDay(&negative, now) {
		t.Error("negative timestamp must count as a new day")
	}

	prevYear := time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC).Unix()
	if !IsNewDay(&prevYear, now) {
		t.Error("previous year must be a new day")
	}
}
