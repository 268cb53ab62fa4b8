package abuse

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/exoml/relay/internal/notify"
	log "github.com/sirupsen/logrus"
)

// Detection thresholds. Attack and per-IP rates are configurable; the rest
// mirror long-standing operational values.
const (
	defaultAttackThreshold = 200 // Global RPS that flags an attack.
	defaultPerIPThreshold  = 20  // Single-IP RPS that flags spam.

	blockDuration      = time.Hour
	batchInterval      = 10 * time.Second
	notifyCooldown     = 60 * time.Second
	patternWindow      = 60 * time.Second
	patternMinRequests = 200 // Requests inside the window before scoring can block.
	patternScoreBlock  = 150

	attackLogInterval = 10 * time.Second
	topSpammerCount   = 5
	massAttackIPCount = 100 // Unique IPs that mark a distributed attack.
)

// Blocker performs edge-level IP blocking. Satisfied by cloudflare.Client.
type Blocker interface {
	FindBlockRule(ctx context.Context, ip string) (string, bool, error)
	CreateBlockRule(ctx context.Context, ip string) (string, error)
	DeleteRule(ctx context.Context, ruleID string) error
	ClearAutoBlockRules(ctx context.Context) (int, error)
}

// Notifier delivers operator notifications. Satisfied by notify.Discord.
type Notifier interface {
	SendAttackSummary(ctx context.Context, summary notify.AttackSummary) error
	SendIPBlockBatch(ctx context.Context, ips []string) error
}

// Options configures a Monitor.
type Options struct {
	AttackThreshold int      // Global RPS threshold; 0 uses the default.
	PerIPThreshold  int      // Single-IP RPS threshold; 0 uses the default.
	Whitelist       []string // Addresses never tracked or blocked.
	MitigatedPath   string   // JSON file remembering already-blocked IPs.
}

type ipPattern struct {
	paths         map[string]int64
	userAgents    map[string]int64
	lastCleanup   time.Time
	totalRequests int64
	score         int
}

type blockedEntry struct {
	blockedAt    time.Time
	ruleID       string
	unblockTimer *time.Timer
}

// Monitor watches request rates and patterns, escalating abusive addresses
// into batched edge blocks. All methods are safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	blocker  Blocker
	notifier Notifier

	attackThreshold int
	perIPThreshold  int
	whitelist       map[string]struct{}

	// Global one-second rate window.
	requestCount int64
	lastReset    time.Time

	// Attack state; attackStartedAt is zero outside an attack.
	attackStartedAt time.Time
	attackRequests  int64
	peakRPS         int64
	lastAttackLog   time.Time

	// Aggregated across attacks within one notification cooldown.
	statTotalDuration  time.Duration
	statTotalRequests  int64
	statMaxPeakRPS     int64
	statAttackCount    int
	statMitigationTime time.Duration

	// Per-IP one-second windows.
	ipRequests  map[string]int64
	ipLastReset map[string]time.Time

	patterns map[string]*ipPattern

	blocked       map[string]*blockedEntry
	pendingBlocks map[string]struct{}
	batchTimer    *time.Timer

	pendingNotifyIPs  []string
	blockNotifyTimer  *time.Timer
	attackNotifyTimer *time.Timer

	mitigated     map[string]struct{}
	mitigatedPath string

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewMonitor creates a monitor. Blocker and notifier may be nil, in which
// case abusive IPs are only tracked in-process.
func NewMonitor(opts Options, blocker Blocker, notifier Notifier) *Monitor {
	m := &Monitor{
		blocker:         blocker,
		notifier:        notifier,
		attackThreshold: opts.AttackThreshold,
		perIPThreshold:  opts.PerIPThreshold,
		whitelist:       map[string]struct{}{},
		ipRequests:      map[string]int64{},
		ipLastReset:     map[string]time.Time{},
		patterns:        map[string]*ipPattern{},
		blocked:         map[string]*blockedEntry{},
		pendingBlocks:   map[string]struct{}{},
		mitigated:       map[string]struct{}{},
		mitigatedPath:   opts.MitigatedPath,
		now:             time.Now,
		afterFunc:       time.AfterFunc,
	}
	if m.attackThreshold <= 0 {
		m.attackThreshold = defaultAttackThreshold
	}
	if m.perIPThreshold <= 0 {
		m.perIPThreshold = defaultPerIPThreshold
	}
	for _, ip := range opts.Whitelist {
		if trimmed := strings.TrimSpace(ip); trimmed != "" {
			m.whitelist[trimmed] = struct{}{}
		}
	}
	m.lastReset = m.now()
	m.loadMitigated()
	log.Infof("abuse: monitor ready (attack>=%d rps, per-ip>=%d rps, whitelist=%d, mitigated=%d)",
		m.attackThreshold, m.perIPThreshold, len(m.whitelist), len(m.mitigated))
	return m
}

// IsWhitelisted reports whether the address bypasses tracking and blocking.
func (m *Monitor) IsWhitelisted(ip string) bool {
	_, ok := m.whitelist[ip]
	return ok
}

// IsBlocked reports whether the address is currently blocked.
func (m *Monitor) IsBlocked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[ip]
	return ok
}

// Record registers one incoming request for rate and pattern tracking.
func (m *Monitor) Record(clientIP, path, userAgent string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.requestCount++

	if clientIP != "" {
		if m.IsWhitelisted(clientIP) {
			// Whitelisted addresses keep a window for attack statistics only.
			m.ipRequests[clientIP]++
			if last, ok := m.ipLastReset[clientIP]; !ok || now.Sub(last) >= time.Second {
				m.ipRequests[clientIP] = 0
				m.ipLastReset[clientIP] = now
			}
		} else {
			m.trackIPLocked(clientIP, now)
			if path != "" {
				m.trackPatternsLocked(clientIP, path, userAgent, now)
			}
		}
	}

	if now.Sub(m.lastReset) >= time.Second {
		rps := m.requestCount
		m.requestCount = 0
		m.lastReset = now
		m.observeGlobalRateLocked(rps, now)
	}
}

func (m *Monitor) trackIPLocked(ip string, now time.Time) {
	if _, ok := m.ipLastReset[ip]; !ok {
		m.ipRequests[ip] = 0
		m.ipLastReset[ip] = now
	}
	m.ipRequests[ip]++

	if now.Sub(m.ipLastReset[ip]) >= time.Second {
		rate := m.ipRequests[ip]
		if rate >= int64(m.perIPThreshold) {
			if _, alreadyBlocked := m.blocked[ip]; !alreadyBlocked {
				log.Warnf("abuse: single ip spam from %s at %d rps", ip, rate)
				m.queueBlockLocked(ip)
			}
		}
		m.ipRequests[ip] = 0
		m.ipLastReset[ip] = now
	}
}

// observeGlobalRateLocked drives the attack state machine on each closed
// one-second window.
func (m *Monitor) observeGlobalRateLocked(rps int64, now time.Time) {
	if rps >= int64(m.attackThreshold) {
		if m.attackStartedAt.IsZero() {
			m.attackStartedAt = now
			m.attackRequests = 0
			m.peakRPS = rps
			unique, top := m.ipAttackStatsLocked()
			log.Warnf("abuse: high traffic at %d rps from %d unique ips", rps, unique)
			if len(top) > 0 {
				log.Warnf("abuse: top spammers: %s", formatSpammers(top))
			}
		}
		m.attackRequests += rps
		m.peakRPS = max(m.peakRPS, rps)

		if now.Sub(m.lastAttackLog) >= attackLogInterval {
			duration := now.Sub(m.attackStartedAt)
			unique, top := m.ipAttackStatsLocked()
			log.Warnf("abuse: attack ongoing: %d rps, %s elapsed, %d requests, %d ips",
				rps, duration.Truncate(time.Second), m.attackRequests, unique)
			m.blockTopSpammersLocked(top)
			if unique > massAttackIPCount {
				m.blockAllTopSpammersLocked(top)
			}
			m.lastAttackLog = now
		}
		return
	}

	if m.attackStartedAt.IsZero() {
		return
	}

	duration := now.Sub(m.attackStartedAt)
	log.Infof("abuse: attack ended at %d rps after %s with %d requests", rps, duration.Truncate(time.Second), m.attackRequests)

	m.statTotalDuration += duration
	m.statTotalRequests += m.attackRequests
	m.statMaxPeakRPS = max(m.statMaxPeakRPS, m.peakRPS)
	m.statAttackCount++
	m.statMitigationTime = duration

	m.scheduleAttackSummaryLocked()

	m.attackStartedAt = time.Time{}
	m.attackRequests = 0
	m.lastAttackLog = time.Time{}
	m.peakRPS = 0
}

type spammer struct {
	ip    string
	count int64
}

// ipAttackStatsLocked returns the number of active addresses and the top
// senders in the current window.
func (m *Monitor) ipAttackStatsLocked() (int, []spammer) {
	var active []spammer
	for ip, count := range m.ipRequests {
		if count > 0 {
			active = append(active, spammer{ip: ip, count: count})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].count > active[j].count })
	top := active
	if len(top) > topSpammerCount {
		top = top[:topSpammerCount]
	}
	return len(active), top
}

func (m *Monitor) blockTopSpammersLocked(top []spammer) {
	for _, s := range top {
		if s.count < int64(m.perIPThreshold) {
			continue
		}
		if _, alreadyBlocked := m.blocked[s.ip]; alreadyBlocked || m.IsWhitelisted(s.ip) {
			continue
		}
		log.Warnf("abuse: blocking top spammer %s at %d rps", s.ip, s.count)
		m.queueBlockLocked(s.ip)
	}
}

// blockAllTopSpammersLocked drops the per-IP threshold during distributed
// attacks and blocks the heaviest senders outright.
func (m *Monitor) blockAllTopSpammersLocked(top []spammer) {
	for i, s := range top {
		if i >= topSpammerCount-1 {
			break
		}
		if _, alreadyBlocked := m.blocked[s.ip]; alreadyBlocked || m.IsWhitelisted(s.ip) {
			continue
		}
		log.Warnf("abuse: blocking %s at %d rps during distributed attack", s.ip, s.count)
		m.queueBlockLocked(s.ip)
	}
}

func (m *Monitor) trackPatternsLocked(ip, path, userAgent string, now time.Time) {
	p := m.patterns[ip]
	if p == nil {
		p = &ipPattern{
			paths:       map[string]int64{},
			userAgents:  map[string]int64{},
			lastCleanup: now,
		}
		m.patterns[ip] = p
	}
	p.totalRequests++

	if now.Sub(p.lastCleanup) > patternWindow {
		p.paths = map[string]int64{}
		p.userAgents = map[string]int64{}
		p.lastCleanup = now
		p.totalRequests = 1
		p.score = 0
	}

	p.paths[path]++
	if userAgent != "" {
		p.userAgents[userAgent]++
	}

	p.score = scoreUserAgents(p.userAgents)

	if _, alreadyBlocked := m.blocked[ip]; alreadyBlocked {
		return
	}
	if p.score >= patternScoreBlock &&
		m.ipRequests[ip] >= int64(m.perIPThreshold) &&
		p.totalRequests >= patternMinRequests {
		log.Warnf("abuse: malicious pattern from %s (score=%d, requests=%d, rps=%d)",
			ip, p.score, p.totalRequests, m.ipRequests[ip])
		m.logPatternDetailsLocked(ip, p)
		m.queueBlockLocked(ip)
	}
}

// scoreUserAgents scores the client identities seen from one address.
// Script-style agents add a little suspicion, known scanner tools add a lot;
// request volume alone never scores.
func scoreUserAgents(agents map[string]int64) int {
	score := 0
	for ua := range agents {
		lower := strings.ToLower(ua)
		if strings.Contains(lower, "curl") || strings.Contains(lower, "wget") || len(ua) < 5 {
			score += 30
		}
		for _, tool := range []string{"nikto", "sqlmap", "nmap", "dirb", "gobuster"} {
			if strings.Contains(lower, tool) {
				score += 50
				break
			}
		}
	}
	return score
}

func (m *Monitor) logPatternDetailsLocked(ip string, p *ipPattern) {
	type pathCount struct {
		path  string
		count int64
	}
	var paths []pathCount
	for path, count := range p.paths {
		paths = append(paths, pathCount{path, count})
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].count > paths[j].count })
	if len(paths) > 3 {
		paths = paths[:3]
	}
	log.Warnf("abuse: pattern details for %s: requests=%d score=%d top_paths=%v agents=%d",
		ip, p.totalRequests, p.score, paths, len(p.userAgents))
}

func formatSpammers(top []spammer) string {
	parts := make([]string, 0, len(top))
	for _, s := range top {
		parts = append(parts, s.ip+"("+strconv.FormatInt(s.count, 10)+")")
	}
	return strings.Join(parts, ", ")
}
