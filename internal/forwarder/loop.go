// Package forwarder implements the background scheduler that drains the
// Queue Store to the wireless adapter (C5, §4.5): a single cooperative task
// that wakes on a fixed interval, walks get_outgoing() in FIFO order, and
// applies the backoff/TTL/retry-budget gates before each send attempt.
package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/Nimastz/resilient-mesh-messaging/internal/bleclient"
	"github.com/Nimastz/resilient-mesh-messaging/internal/envelope"
	"github.com/Nimastz/resilient-mesh-messaging/internal/queuestore"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/telemetry"
)

// Config bundles the §6 tunables the forwarder needs.
type Config struct {
	Interval           time.Duration
	SendTimeout        time.Duration
	BaseRetryBackoffMs int
	MaxRetries         int
	TTLMax             int
}

// Clock abstracts time.Now so tests can pin the backoff gate.
type Clock func() time.Time

// Loop owns the single forwarder task. Per §5, exactly one instance
// should run against a given Store at a time; it never holds a Store lock
// across the outbound send.
type Loop struct {
	store *queuestore.Store
	ble   *bleclient.Client
	cfg   Config
	log   *telemetry.Logger
	clock Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Loop. log may be nil (defaults to a no-op logger);
// clock defaults to time.Now.
func New(store *queuestore.Store, ble *bleclient.Client, cfg Config, log *telemetry.Logger, clock Clock) *Loop {
	if log == nil {
		log = telemetry.Nop
	}
	if clock == nil {
		clock = time.Now
	}
	return &Loop{
		store:  store,
		ble:    ble,
		cfg:    cfg,
		log:    log,
		clock:  clock,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background goroutine. It returns immediately; call
// Stop to request a clean shutdown.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop to exit and waits for it, bounded by ctx. An
// in-flight send is allowed to complete or to be abandoned with a retry
// increment on its next tick (§5 "Cancellation and timeouts"); either is
// acceptable since the persistent row preserves correctness.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	interval := l.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick processes every outstanding row once, in FIFO order (§4.5).
func (l *Loop) tick(ctx context.Context) {
	rows, err := l.store.GetOutgoing(ctx, 0)
	if err != nil {
		l.log.Error("forwarder: get_outgoing failed", map[string]any{"error": err.Error()})
		return
	}
	for _, row := range rows {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}
		l.processRow(ctx, row)
	}
}

func (l *Loop) processRow(ctx context.Context, row queuestore.QueueEntry) {
	now := l.clock()

	// Step 1: backoff gate.
	if !backoffGateOpen(row.Retries, row.LastUpdate, now, l.cfg.BaseRetryBackoffMs) {
		return
	}

	// Step 2: parse guard.
	env, err := envelope.Decode([]byte(row.EnvelopeJSON))
	if err != nil {
		l.dropRow(ctx, row.RowID, queuestore.StatusInvalidEnvelope, "parse failed on drain", err)
		return
	}

	// Step 3: TTL guard.
	if env.Header.TTL <= 0 || env.Header.TTL > l.cfg.TTLMax {
		l.dropRow(ctx, row.RowID, queuestore.StatusTTLExpired, "ttl exhausted or out of range at drain", nil)
		return
	}

	// Step 4: retry budget.
	if l.cfg.MaxRetries > 0 && row.Retries >= l.cfg.MaxRetries {
		l.dropRow(ctx, row.RowID, queuestore.StatusMaxRetries, "retry budget exhausted", nil)
		return
	}

	// Step 5: hop bookkeeping on the in-memory copy only; the stored row is
	// only mutated via mark_delivered/mark_dropped/increment_retry, so a
	// failed send re-reads the original ttl/hop_count on the next tick.
	env.Header.TTL--
	env.Header.HopCount++

	canonical, err := env.Canonical()
	if err != nil {
		l.dropRow(ctx, row.RowID, queuestore.StatusInvalidEnvelope, "re-encode failed before send", err)
		return
	}

	// Step 6: send with a bounded timeout.
	sendTimeout := l.cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = l.ble.SendChunk(sendCtx, canonical, env.Header.RecipientFP)
	cancel()

	if err == nil {
		if mErr := l.store.MarkDelivered(ctx, row.RowID); mErr != nil {
			l.log.Error("forwarder: mark_delivered failed", map[string]any{"error": mErr.Error(), "row_id": row.RowID})
		}
		return
	}

	l.log.Warn("forwarder: send failed, retry scheduled", map[string]any{
		"row_id":  row.RowID,
		"msg_id":  row.MsgID,
		"retries": row.Retries + 1,
		"error":   err.Error(),
	})
	if iErr := l.store.IncrementRetry(ctx, row.RowID); iErr != nil {
		l.log.Error("forwarder: increment_retry failed", map[string]any{"error": iErr.Error(), "row_id": row.RowID})
	}
}

func (l *Loop) dropRow(ctx context.Context, rowID int64, reason queuestore.Status, detail string, cause error) {
	fields := map[string]any{"row_id": rowID, "reason": string(reason), "detail": detail}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	l.log.Warn("forwarder: dropping row", fields)
	if err := l.store.MarkDropped(ctx, rowID, reason); err != nil {
		l.log.Error("forwarder: mark_dropped failed", map[string]any{"error": err.Error(), "row_id": rowID})
	}
}
