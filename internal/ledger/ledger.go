package ledger

import (
	"errors"
	"math"
	"time"

	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/util"
	log "github.com/sirupsen/logrus"
)

// PreauthTokens is the fixed reservation taken before dispatching upstream.
const PreauthTokens = 5000

// Pay2goDailyFreeTokens is the implicit daily allowance granted to balance
// accounts before balance deduction begins.
const Pay2goDailyFreeTokens = 500000

// Ledger errors surfaced to the gate and the proxy handlers.
var (
	// ErrUnknownAccount indicates the API key has no account.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrInsufficientTokens indicates a reservation would exceed the daily cap
	// or the available balance.
	ErrInsufficientTokens = errors.New("ledger: insufficient tokens")
)

// Ledger applies the reserve-then-settle token accounting protocol on top of
// the user snapshot store. Every mutation goes through the store's
// reload -> mutate -> persist -> publish path.
type Ledger struct {
	store *config.Store
	now   func() time.Time
}

// New creates a ledger over the given snapshot store.
func New(store *config.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Preauthorize reserves PreauthTokens against the account. It fails closed
// when the reservation would exceed the daily cap or the available balance,
// so concurrent slow requests cannot all pass a stale quota check.
func (l *Ledger) Preauthorize(apiKey string) error {
	return l.store.MutateUsers(func(doc *config.UsersDoc) error {
		user := doc.Users[apiKey]
		if user == nil {
			return ErrUnknownAccount
		}

		if user.Plan == PlanPay2go {
			balance := user.Balance()
			if balance < PreauthTokens {
				return ErrInsufficientTokens
			}
			user.SetBalance(balance - PreauthTokens)
			user.PreauthReserved += PreauthTokens
			return nil
		}

		limit, limited := ParseDailyLimit(user.Plan)
		if !limited {
			user.PreauthReserved += PreauthTokens
			return nil
		}
		used := user.DailyTokensUsed
		if IsNewDay(user.LastUsageTimestamp, l.now()) {
			used = 0
		}
		if used+PreauthTokens > limit {
			return ErrInsufficientTokens
		}
		user.DailyTokensUsed = used + PreauthTokens
		user.PreauthReserved += PreauthTokens
		return nil
	})
}

// Refund returns the full outstanding reservation to the account. Called when
// every provider fails; a missing account or empty reservation is a no-op.
func (l *Ledger) Refund(apiKey string) {
	errMutate := l.store.MutateUsers(func(doc *config.UsersDoc) error {
		user := doc.Users[apiKey]
		if user == nil || user.PreauthReserved <= 0 {
			return errNothingToRefund
		}
		if user.Plan == PlanPay2go {
			user.SetBalance(user.Balance() + user.PreauthReserved)
		} else {
			user.DailyTokensUsed = max(0, user.DailyTokensUsed-user.PreauthReserved)
		}
		user.PreauthReserved = 0
		return nil
	})
	if errMutate != nil && !errors.Is(errMutate, errNothingToRefund) {
		log.Errorf("ledger: refund for key %s: %v", util.KeySuffix(apiKey), errMutate)
	}
}

var errNothingToRefund = errors.New("ledger: nothing to refund")

// Settle reconciles the reservation against actual usage after a successful
// upstream response. The adjusted charge is ceil(rawTokens x multiplier).
// Plan accounts replace the provisional reservation with the real daily
// delta; balance accounts refund the unused portion of the reservation after
// the daily free allowance is exhausted. Returns the adjusted token charge.
func (l *Ledger) Settle(apiKey string, rawTokens int64, multiplier float64) (int64, error) {
	if rawTokens < 0 {
		log.Warnf("ledger: invalid token count %d for key %s, skipping settlement", rawTokens, util.KeySuffix(apiKey))
		return 0, nil
	}
	if multiplier < 0 {
		log.Warnf("ledger: invalid token multiplier %v for key %s, using 1.0", multiplier, util.KeySuffix(apiKey))
		multiplier = 1.0
	}
	adjusted := int64(math.Ceil(float64(rawTokens) * multiplier))

	errMutate := l.store.MutateUsers(func(doc *config.UsersDoc) error {
		user := doc.Users[apiKey]
		if user == nil {
			return ErrUnknownAccount
		}

		now := l.now()
		nowTS := now.Unix()
		newDay := IsNewDay(user.LastUsageTimestamp, now)

		dailyTotal := user.DailyTokensUsed + adjusted
		if newDay {
			log.Infof("ledger: new UTC day for user %q (key %s), resetting daily count", user.Username, util.KeySuffix(apiKey))
			dailyTotal = adjusted
		}

		reserved := user.PreauthReserved
		user.TotalTokens += adjusted
		user.DailyTokensUsed = dailyTotal
		user.LastUsageTimestamp = &nowTS
		user.LastUpdatedTimestamp = nowTS

		if user.Plan == PlanPay2go {
			balance := user.Balance()
			overFree := max(0, dailyTotal-Pay2goDailyFreeTokens)
			if overFree > 0 {
				// Reconcile the reservation against the billable portion: refund
				// the unused part, or charge the excess beyond the reservation.
				deduct := min(adjusted, overFree)
				user.SetBalance(max(0, balance+reserved-deduct))
				log.Infof("ledger: pay2go settle for %q: used %d (raw %d x %v), daily %d, deducted %d, refunded %d",
					user.Username, adjusted, rawTokens, multiplier, dailyTotal, deduct, max(0, reserved-deduct))
			} else {
				user.SetBalance(balance + reserved)
				log.Infof("ledger: pay2go settle for %q: used %d within daily free allowance, refunded %d",
					user.Username, adjusted, reserved)
			}
		} else if reserved > 0 && !newDay {
			// The reservation already sits in the daily count; replace it with
			// the actual charge.
			user.DailyTokensUsed = dailyTotal - reserved
			log.Infof("ledger: settle for %q: used %d (raw %d x %v), daily %d, total %d",
				user.Username, adjusted, rawTokens, multiplier, user.DailyTokensUsed, user.TotalTokens)
		} else {
			log.Infof("ledger: settle for %q without reservation: added %d, daily %d, total %d",
				user.Username, adjusted, user.DailyTokensUsed, user.TotalTokens)
		}

		user.PreauthReserved = 0
		return nil
	})
	if errMutate != nil {
		return 0, errMutate
	}
	return adjusted, nil
}

// UserUsage summarizes one account for the usage endpoint. Daily usage reads
// as zero after a UTC date rollover even before the first settle of the day.
func (l *Ledger) UserUsage(apiKey string) (map[string]any, bool) {
	user := l.store.Users().Users[apiKey]
	if user == nil || !user.Enabled {
		return nil, false
	}
	daily := user.DailyTokensUsed
	if IsNewDay(user.LastUsageTimestamp, l.now()) {
		daily = 0
	}
	out := map[string]any{
		"object":            "usage",
		"username":          user.Username,
		"plan":              user.Plan,
		"total_tokens":      user.TotalTokens,
		"daily_tokens_used": daily,
		"timestamp_utc":     l.now().UTC().Format(time.RFC3339),
	}
	if user.Plan == PlanPay2go {
		out["available_tokens"] = user.Balance()
	}
	return out, true
}

// AggregateUsage sums token counters across all accounts.
func (l *Ledger) AggregateUsage() map[string]any {
	var total, daily int64
	now := l.now()
	for _, user := range l.store.Users().Users {
		total += user.TotalTokens
		if user.LastUsageTimestamp != nil && !IsNewDay(user.LastUsageTimestamp, now) {
			daily += user.DailyTokensUsed
		}
	}
	return map[string]any{
		"total_tokens_processed":           total,
		"daily_tokens_processed_today_utc": daily,
		"timestamp_utc":                    now.UTC().Format(time.RFC3339),
	}
}
