// Package api implements the Ingress API (C4, §4.4): the HTTP surface
// that accepts local sends, wireless ingress callbacks, delivery acks,
// and debug/admin introspection.
package api

import (
	"context"
	"time"

	"github.com/Nimastz/resilient-mesh-messaging/internal/ids"
	"github.com/Nimastz/resilient-mesh-messaging/internal/queuestore"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/config"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/telemetry"
)

// Clock abstracts time.Now so tests can pin freshness checks.
type Clock func() time.Time

// Server holds everything the Ingress API handlers need. It has no
// package-level mutable state; every dependency is injected so tests can
// construct a fresh instance per case.
type Server struct {
	Store *queuestore.Store
	IDS   *ids.Engine
	Cfg   config.Config
	Log   *telemetry.Logger
	Now   Clock
}

// NewServer wires a Server from its collaborators, defaulting Now to
// time.Now and Log to a no-op logger when not supplied.
func NewServer(store *queuestore.Store, engine *ids.Engine, cfg config.Config, log *telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.Nop
	}
	return &Server{Store: store, IDS: engine, Cfg: cfg, Log: log, Now: time.Now}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// lookupDeviceTokenHash resolves a device fingerprint against the queue
// store's device_credentials table for the Auth middleware.
func (s *Server) lookupDeviceTokenHash(deviceFP string) (string, bool) {
	hash, err := s.Store.DeviceTokenHash(context.Background(), deviceFP)
	if err != nil {
		return "", false
	}
	return hash, true
}

// isDuplicate combines the IDS engine's in-memory sliding map (fast path)
// with the persisted replay log (§9 "Duplicate suppression durability"):
// the in-memory map resets on restart, so a msg_id replayed shortly after
// a restart would otherwise be accepted again; the replay log survives
// the process and catches exactly that case.
func (s *Server) isDuplicate(ctx context.Context, msgID string, now time.Time) bool {
	if s.IDS.IsDuplicate(msgID) {
		return true
	}
	dupTTL := time.Duration(s.Cfg.IDS.DuplicateSuppressionTTL) * time.Second
	seen, err := s.Store.ReplayWasSeen(ctx, msgID, now, dupTTL)
	if err != nil {
		return false
	}
	return seen
}

// recordSeen persists msgID into the replay log and opportunistically
// prunes entries older than the duplicate-suppression TTL, per
// replay.go's "called lazily, not on a dedicated schedule" contract.
func (s *Server) recordSeen(ctx context.Context, msgID string, now time.Time) {
	dupTTL := time.Duration(s.Cfg.IDS.DuplicateSuppressionTTL) * time.Second
	_ = s.Store.ReplaySeen(ctx, msgID, now)
	_ = s.Store.PruneReplayLog(ctx, now, dupTTL)
}
