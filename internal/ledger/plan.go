package ledger

import (
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Plan identifiers accepted by the ledger and the admin surface.
var ValidPlans = []string{"0", "500k", "100m", "unlimited", "pay2go"}

// PlanPay2go is the balance-based plan; every other plan is metered daily.
const PlanPay2go = "pay2go"

// IsValidPlan reports whether plan is one of the accepted identifiers.
func IsValidPlan(plan string) bool {
	for _, p := range ValidPlans {
		if p == plan {
			return true
		}
	}
	return false
}

// ParseDailyLimit converts a human plan string ("500k", "100m", "unlimited")
// into a daily token limit. The second return is false for unlimited plans.
// Malformed strings default to a zero limit.
func ParseDailyLimit(plan string) (limit int64, limited bool) {
	p := strings.ToLower(strings.TrimSpace(plan))
	if p == "unlimited" {
		return 0, false
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(p, "k"):
		multiplier = 1_000
		p = strings.TrimSuffix(p, "k")
	case strings.HasSuffix(p, "m"):
		multiplier = 1_000_000
		p = strings.TrimSuffix(p, "m")
	case strings.HasSuffix(p, "b"):
		multiplier = 1_000_000_000
		p = strings.TrimSuffix(p, "b")
	}

	value, errParse := strconv.ParseFloat(p, 64)
	if errParse != nil {
		log.Warnf("ledger: could not parse plan %q, defaulting daily limit to 0", plan)
		return 0, true
	}
	return int64(value * float64(multiplier)), true
}

// IsNewDay reports whether the given epoch-second timestamp falls on an
// earlier UTC calendar date than now. A nil or invalid timestamp counts as a
// new day.
func IsNewDay(last *int64, now time.Time) bool {
	if last == nil || *last < 0 {
		return true
	}
	lastDay := time.Unix(*last, 0).UTC()
	nowUTC := now.UTC()
	y1, m1, d1 := lastDay.Date()
	y2, m2, d2 := nowUTC.Date()
	if y2 != y1 {
		return y2 > y1
	}
	if m2 != m1 {
		return m2 > m1
	}
	return d2 > d1
}
