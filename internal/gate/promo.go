package gate

import (
	log "github.com/sirupsen/logrus"

	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/util"
)

// EnsurePromoAccount makes the promotional key the only expiring account:
// it creates the account when missing, pins it to the unlimited plan, and
// strips expires_at from every other key. An empty account document is left
// untouched so open mode stays open.
func (g *Gate) EnsurePromoAccount(expiresAt string) error {
	if !g.store.Users().AuthEnabled() {
		return nil
	}
	return g.store.MutateUsers(func(doc *config.UsersDoc) error {
		now := g.now().Unix()
		for key, acct := range doc.Users {
			if key != g.promoKey && acct.ExpiresAt != "" {
				acct.ExpiresAt = ""
				log.Infof("removed expiration from non-promotional key %s", util.HideAPIKey(key))
			}
		}
		acct := doc.Users[g.promoKey]
		if acct == nil {
			acct = &config.UserAccount{
				Username:             "hackathon",
				UserID:               "hackathon-2025",
				Plan:                 "unlimited",
				Enabled:              true,
				LastUpdatedTimestamp: now,
				ExpiresAt:            expiresAt,
			}
			doc.Users[g.promoKey] = acct
			log.Info("added promotional key to account snapshot")
			return nil
		}
		if expiresAt != "" && acct.ExpiresAt != expiresAt {
			acct.ExpiresAt = expiresAt
			acct.LastUpdatedTimestamp = now
			log.Info("updated promotional key expiration")
		}
		if acct.Plan != "unlimited" {
			acct.Plan = "unlimited"
			acct.LastUpdatedTimestamp = now
			log.Info("corrected promotional key plan to unlimited")
		}
		return nil
	})
}
