// Package ids implements the inline intrusion-detection layer (C3, §4.3):
// per-peer sliding-window rate limiting, duplicate suppression, peer
// blocking, and an anonymized suspicious-event log. All state is owned by
// a single Engine value guarded by its own mutex, no ambient globals, per
// §9 "Cross-component mutable state".
package ids

import (
	"sync"
	"time"
)

// Config bundles the tunables from §6's `ids.*` options.
type Config struct {
	WindowSeconds           int
	MaxMsgsPerWindow        int
	DuplicateSuppressionTTL int
	BlockPeerAfter          int
	BlockPeerTTLSeconds     int
}

// Clock abstracts time.Now so tests can simulate time advances (S6).
type Clock func() time.Time

// Engine holds all IDS state for the process lifetime (§3 IDSState).
type Engine struct {
	mu sync.Mutex

	window    time.Duration
	maxMsgs   int
	dupTTL    time.Duration
	blockAfter int
	blockTTL  time.Duration

	peerWindows      map[string][]time.Time
	seenMsgIDs       map[string]time.Time
	suspiciousCounts map[string]int
	blockedPeers     map[string]time.Time

	clock Clock
	log   *SuspiciousLogger
}

// New constructs an Engine. log may be nil, in which case suspicious
// events are silently dropped (used in unit tests that don't exercise
// logging). clock defaults to time.Now when nil.
func New(cfg Config, log *SuspiciousLogger, clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		window:           time.Duration(cfg.WindowSeconds) * time.Second,
		maxMsgs:          cfg.MaxMsgsPerWindow,
		dupTTL:           time.Duration(cfg.DuplicateSuppressionTTL) * time.Second,
		blockAfter:       cfg.BlockPeerAfter,
		blockTTL:         time.Duration(cfg.BlockPeerTTLSeconds) * time.Second,
		peerWindows:      make(map[string][]time.Time),
		seenMsgIDs:       make(map[string]time.Time),
		suspiciousCounts: make(map[string]int),
		blockedPeers:     make(map[string]time.Time),
		clock:            clock,
		log:              log,
	}
}

// IsDuplicate reports whether msgID has been observed within DUP_TTL
// (§4.3). Old entries are purged lazily on access; on first sighting the
// id is recorded.
func (e *Engine) IsDuplicate(msgID string) bool {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if seenAt, ok := e.seenMsgIDs[msgID]; ok {
		if now.Sub(seenAt) <= e.dupTTL {
			return true
		}
		// Stale entry past TTL: treat as unseen and refresh below.
	}
	e.purgeExpiredDuplicatesLocked(now)
	e.seenMsgIDs[msgID] = now
	return false
}

func (e *Engine) purgeExpiredDuplicatesLocked(now time.Time) {
	for id, seenAt := range e.seenMsgIDs {
		if now.Sub(seenAt) > e.dupTTL {
			delete(e.seenMsgIDs, id)
		}
	}
}

// IsRateLimited implements the four-step sliding-window check from §4.3:
// blocked peers are rejected outright (with implicit auto-unblock once
// now >= block_until), stale timestamps are dropped, and the remaining
// count is compared against MAX_MSGS_PER_WINDOW.
func (e *Engine) IsRateLimited(peerID string) bool {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if until, blocked := e.blockedPeers[peerID]; blocked {
		if now.Before(until) {
			return true
		}
		// Auto-unblock: now >= block_until with no intervening activity.
		delete(e.blockedPeers, peerID)
	}

	cutoff := now.Add(-e.window)
	window := e.peerWindows[peerID]
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	window = window[i:]

	if e.maxMsgs > 0 && len(window) >= e.maxMsgs {
		e.peerWindows[peerID] = window
		return true
	}

	window = append(window, now)
	e.peerWindows[peerID] = window
	return false
}

// LogSuspicious records one suspicious event, anonymizing peerID/msgID at
// emit time (§9 "Anonymization completeness": never "log then hash").
// Each call increments the peer's suspicious counter; reaching
// BLOCK_PEER_AFTER installs a block with BLOCK_PEER_TTL expiry.
func (e *Engine) LogSuspicious(eventType, peerID, msgID, detail string, extra map[string]any) {
	now := e.clock()

	e.mu.Lock()
	var blocked bool
	e.suspiciousCounts[peerID]++
	if e.blockAfter > 0 && e.suspiciousCounts[peerID] >= e.blockAfter {
		e.blockedPeers[peerID] = now.Add(e.blockTTL)
		blocked = true
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.Write(Record{
			Ts:      now.UTC(),
			Event:   eventType,
			PeerID:  peerID,
			MsgID:   msgID,
			Detail:  detail,
			Extra:   extra,
			Blocked: blocked,
		})
	}
}

// SuspiciousCount returns the current cumulative suspicious-event count
// for peerID.
func (e *Engine) SuspiciousCount(peerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspiciousCounts[peerID]
}

// IsBlocked reports whether peerID is currently under a block, without
// mutating the sliding window.
func (e *Engine) IsBlocked(peerID string) bool {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.blockedPeers[peerID]
	return ok && now.Before(until)
}
