package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one suspicious event as handed to SuspiciousLogger.Write (by
// Engine.LogSuspicious). PeerID and MsgID hold the raw identifiers; Write
// replaces them with HashID values before anything is written to disk.
type Record struct {
	Ts      time.Time      `json:"ts"`
	Event   string         `json:"event"`
	PeerID  string         `json:"peer_id"`
	MsgID   string         `json:"msg_id"`
	Detail  string         `json:"detail"`
	Extra   map[string]any `json:"extra,omitempty"`
	Blocked bool           `json:"blocked,omitempty"`
}

type wireRecord struct {
	Ts      string         `json:"ts"`
	Event   string         `json:"event"`
	PeerID  string         `json:"peer_id"`
	MsgID   string         `json:"msg_id"`
	Detail  string         `json:"detail"`
	Extra   map[string]any `json:"extra,omitempty"`
	Blocked bool           `json:"blocked,omitempty"`
}

// SuspiciousLogger appends one JSON record per line to a file, with a
// single in-process writer serializing appends and fsync'ing each write
// (§5 "single-writer fsync-on-append policy"). Readers (ids_log_tail) open
// a fresh handle rather than sharing this one.
type SuspiciousLogger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenSuspiciousLogger opens (creating if absent) the append-only log at
// path.
func OpenSuspiciousLogger(path string) (*SuspiciousLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ids: open suspicious log: %w", err)
	}
	return &SuspiciousLogger{path: path, f: f}, nil
}

func (l *SuspiciousLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Write appends one record, hashing PeerID/MsgID at emit time so raw
// identifiers never reach disk even transiently.
func (l *SuspiciousLogger) Write(r Record) {
	wr := wireRecord{
		Ts:      r.Ts.Format(time.RFC3339Nano),
		Event:   r.Event,
		PeerID:  HashID(r.PeerID),
		MsgID:   HashID(r.MsgID),
		Detail:  r.Detail,
		Extra:   r.Extra,
		Blocked: r.Blocked,
	}
	b, err := json.Marshal(wr)
	if err != nil {
		return
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(b); err != nil {
		return
	}
	_ = l.f.Sync()
}

// HashID anonymizes a raw identifier to the first 16 hex chars of its
// SHA-256 digest (§4.3, §8 "Suspicious-log records never contain the raw
// peer or msg_id").
func HashID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// TailLines returns up to limit of the most recent lines from the log,
// read via a fresh file handle (§4.4 ids_log_tail).
func TailLines(path string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ids: tail: %w", err)
	}
	defer f.Close()

	var lines []string
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	start := 0
	for i, b := range buf {
		if b == '\n' {
			if start < i {
				lines = append(lines, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(buf) {
		lines = append(lines, string(buf[start:]))
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
