package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/exoml/relay/internal/cloudflare"
	"github.com/exoml/relay/internal/notify"
	log "github.com/sirupsen/logrus"
)

// mitigatedFile is the persisted record of addresses already reported to the
// edge, so restarts and duplicate detections do not re-block them.
type mitigatedFile struct {
	MitigatedIPs []string `json:"mitigated_ips"`
	LastUpdated  int64    `json:"last_updated"` // Epoch seconds.
}

// queueBlockLocked adds an address to the pending batch. Whitelisted and
// already-mitigated addresses are skipped.
func (m *Monitor) queueBlockLocked(ip string) {
	if m.IsWhitelisted(ip) {
		log.Infof("abuse: skipping block for whitelisted %s", ip)
		return
	}
	if _, done := m.mitigated[ip]; done {
		log.Debugf("abuse: %s already mitigated, skipping", ip)
		return
	}
	if _, queued := m.pendingBlocks[ip]; queued {
		return
	}
	m.pendingBlocks[ip] = struct{}{}
	log.Infof("abuse: queued %s for batch blocking (%d queued)", ip, len(m.pendingBlocks))
	if m.batchTimer == nil {
		m.batchTimer = m.afterFunc(batchInterval, m.processBatch)
	}
}

// processBatch drains the pending queue and blocks each address at the edge.
func (m *Monitor) processBatch() {
	m.mu.Lock()
	if len(m.pendingBlocks) == 0 {
		m.batchTimer = nil
		m.mu.Unlock()
		return
	}
	ips := make([]string, 0, len(m.pendingBlocks))
	for ip := range m.pendingBlocks {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	m.pendingBlocks = map[string]struct{}{}
	m.batchTimer = nil
	m.mu.Unlock()

	log.Infof("abuse: batch blocking %d addresses", len(ips))
	for _, ip := range ips {
		m.blockNow(ip)
	}
}

// blockNow applies one edge block, deduplicating against rules that already
// exist. Every outcome that leaves a rule in place marks the address
// mitigated and schedules an operator notification.
func (m *Monitor) blockNow(ip string) {
	m.mu.Lock()
	if m.IsWhitelisted(ip) {
		m.mu.Unlock()
		return
	}
	if _, done := m.mitigated[ip]; done {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.blocker == nil {
		m.finishBlock(ip, "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if ruleID, found, errFind := m.blocker.FindBlockRule(ctx, ip); errFind == nil && found {
		log.Infof("abuse: %s already blocked at the edge (rule %s)", ip, ruleID)
		m.finishBlock(ip, ruleID)
		return
	} else if errFind != nil {
		log.WithError(errFind).Warnf("abuse: rule lookup failed for %s", ip)
	}

	ruleID, errCreate := m.blocker.CreateBlockRule(ctx, ip)
	switch {
	case errCreate == nil:
		log.Infof("abuse: blocked %s at the edge (rule %s)", ip, ruleID)
		m.finishBlock(ip, ruleID)
	case errors.Is(errCreate, cloudflare.ErrDuplicateRule):
		log.Infof("abuse: %s already has an edge rule (duplicate)", ip)
		m.finishBlock(ip, "")
	case errors.Is(errCreate, cloudflare.ErrRateLimited):
		// Record the address anyway so we stop retrying during the limit.
		log.Warnf("abuse: edge rate limit while blocking %s, marking mitigated", ip)
		m.finishBlock(ip, "")
	default:
		log.WithError(errCreate).Errorf("abuse: could not block %s", ip)
	}
}

// finishBlock records the block locally, schedules the auto-unblock when a
// rule id is known, and persists the mitigation.
func (m *Monitor) finishBlock(ip, ruleID string) {
	m.mu.Lock()
	entry := &blockedEntry{blockedAt: m.now(), ruleID: ruleID}
	if ruleID != "" && m.blocker != nil {
		entry.unblockTimer = m.afterFunc(blockDuration, func() { m.unblock(ip, ruleID) })
	}
	m.blocked[ip] = entry
	if _, done := m.mitigated[ip]; !done {
		m.mitigated[ip] = struct{}{}
		m.saveMitigatedLocked()
	}
	m.pendingNotifyIPs = append(m.pendingNotifyIPs, ip)
	if m.blockNotifyTimer != nil {
		m.blockNotifyTimer.Stop()
	}
	m.blockNotifyTimer = m.afterFunc(notifyCooldown, m.flushBlockNotifications)
	m.mu.Unlock()
}

// unblock removes the edge rule after the block duration elapses.
func (m *Monitor) unblock(ip, ruleID string) {
	if m.blocker != nil && ruleID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if errDelete := m.blocker.DeleteRule(ctx, ruleID); errDelete != nil {
			log.WithError(errDelete).Warnf("abuse: could not unblock %s", ip)
		} else {
			log.Infof("abuse: unblocked %s (rule %s)", ip, ruleID)
		}
	}
	m.mu.Lock()
	delete(m.blocked, ip)
	m.mu.Unlock()
}

// flushBlockNotifications sends one combined notification for every address
// blocked during the cooldown.
func (m *Monitor) flushBlockNotifications() {
	m.mu.Lock()
	unique := map[string]struct{}{}
	for _, ip := range m.pendingNotifyIPs {
		unique[ip] = struct{}{}
	}
	ips := make([]string, 0, len(unique))
	for ip := range unique {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	m.pendingNotifyIPs = nil
	m.blockNotifyTimer = nil
	m.mu.Unlock()

	if len(ips) == 0 || m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if errSend := m.notifier.SendIPBlockBatch(ctx, ips); errSend != nil {
		log.WithError(errSend).Warn("abuse: ip block notification failed")
	}
}

// scheduleAttackSummaryLocked arms the delayed attack report; back-to-back
// attacks within the cooldown collapse into one combined summary.
func (m *Monitor) scheduleAttackSummaryLocked() {
	if m.attackNotifyTimer != nil {
		m.attackNotifyTimer.Stop()
	}
	m.attackNotifyTimer = m.afterFunc(notifyCooldown, m.flushAttackSummary)
	log.Infof("abuse: attack summary scheduled in %s", notifyCooldown)
}

func (m *Monitor) flushAttackSummary() {
	m.mu.Lock()
	if m.statAttackCount == 0 {
		m.attackNotifyTimer = nil
		m.mu.Unlock()
		return
	}
	summary := notify.AttackSummary{
		TotalDuration:  m.statTotalDuration,
		TotalRequests:  m.statTotalRequests,
		PeakRPS:        m.statMaxPeakRPS,
		AttackCount:    m.statAttackCount,
		MitigationTime: m.statMitigationTime,
	}
	for ip := range m.blocked {
		summary.BlockedIPs = append(summary.BlockedIPs, ip)
	}
	sort.Strings(summary.BlockedIPs)

	m.statTotalDuration = 0
	m.statTotalRequests = 0
	m.statMaxPeakRPS = 0
	m.statAttackCount = 0
	m.statMitigationTime = 0
	m.attackNotifyTimer = nil
	m.mu.Unlock()

	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if errSend := m.notifier.SendAttackSummary(ctx, summary); errSend != nil {
		log.WithError(errSend).Warn("abuse: attack summary notification failed")
	}
}

// CleanupOnStartup clears state carried over from a previous run: local block
// entries whose timers died with the process, the persisted mitigated set,
// and any auto-block rules still present at the edge.
func (m *Monitor) CleanupOnStartup(ctx context.Context) {
	m.mu.Lock()
	for ip, entry := range m.blocked {
		if entry.unblockTimer != nil {
			entry.unblockTimer.Stop()
		}
		log.Infof("abuse: startup unblock %s", ip)
	}
	m.blocked = map[string]*blockedEntry{}
	if len(m.mitigated) > 0 {
		log.Infof("abuse: startup cleanup clearing %d mitigated addresses", len(m.mitigated))
		m.mitigated = map[string]struct{}{}
		m.saveMitigatedLocked()
	}
	m.mu.Unlock()

	if m.blocker == nil {
		return
	}
	deleted, errClear := m.blocker.ClearAutoBlockRules(ctx)
	if errClear != nil {
		log.WithError(errClear).Warn("abuse: startup cleanup of edge rules failed")
		return
	}
	if deleted > 0 {
		log.Infof("abuse: startup cleanup removed %d edge auto-block rules", deleted)
	}
}

func (m *Monitor) loadMitigated() {
	if m.mitigatedPath == "" {
		return
	}
	raw, errRead := os.ReadFile(m.mitigatedPath)
	if errRead != nil {
		if !os.IsNotExist(errRead) {
			log.WithError(errRead).Warn("abuse: could not read mitigated ips file")
		}
		return
	}
	var doc mitigatedFile
	if errUnmarshal := json.Unmarshal(raw, &doc); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("abuse: invalid mitigated ips file, starting empty")
		return
	}
	for _, ip := range doc.MitigatedIPs {
		m.mitigated[ip] = struct{}{}
	}
}

func (m *Monitor) saveMitigatedLocked() {
	if m.mitigatedPath == "" {
		return
	}
	doc := mitigatedFile{
		MitigatedIPs: make([]string, 0, len(m.mitigated)),
		LastUpdated:  m.now().Unix(),
	}
	for ip := range m.mitigated {
		doc.MitigatedIPs = append(doc.MitigatedIPs, ip)
	}
	sort.Strings(doc.MitigatedIPs)
	raw, errMarshal := json.MarshalIndent(doc, "", "    ")
	if errMarshal != nil {
		log.WithError(errMarshal).Error("abuse: could not encode mitigated ips")
		return
	}
	if errWrite := os.WriteFile(m.mitigatedPath, raw, 0644); errWrite != nil {
		log.WithError(errWrite).Error("abuse: could not save mitigated ips")
	}
}
