// Package audit maintains a tamper-evident, append-only record of every
// decision a run makes. Entries for one run form a hash chain: each entry's
// hash covers the previous entry's hash, so any post-hoc mutation breaks
// verification from that point on.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/auditflow/orchestrator/storage"
	"github.com/auditflow/orchestrator/types"
)

// genesisHash anchors the first entry of every run's chain.
const genesisHash = "genesis"

var (
	// ErrEmptyTrail indicates verification was requested for a run with no entries.
	ErrEmptyTrail = errors.New("audit trail is empty")
)

// Logger appends hash-chained entries to per-run audit trails. Sequence
// numbers come from a per-run monotonic counter, never from wall-clock
// time, so concurrent appends across runs stay collision-free.
type Logger struct {
	store storage.Storage

	mu     sync.Mutex
	chains map[string]*chainState
}

type chainState struct {
	mu       sync.Mutex
	nextSeq  uint64
	lastHash string
}

// NewLogger creates a Logger backed by the given storage.
func NewLogger(store storage.Storage) (*Logger, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &Logger{
		store:  store,
		chains: make(map[string]*chainState),
	}, nil
}

// Append records one event for a run and returns the written entry.
// The payload is digested as canonical JSON (sorted keys), so identical
// payloads always produce identical digests.
func (l *Logger) Append(ctx context.Context, runID, eventType string, payload map[string]interface{}) (types.AuditEntry, error) {
	if runID == "" || eventType == "" {
		return types.AuditEntry{}, errors.New("run ID and event type are required")
	}

	select {
	case <-ctx.Done():
		return types.AuditEntry{}, ctx.Err()
	default:
	}

	digest, err := DigestPayload(payload)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("failed to digest payload: %w", err)
	}

	l.mu.Lock()
	chain, ok := l.chains[runID]
	if !ok {
		chain = &chainState{nextSeq: 1, lastHash: genesisHash}
		l.chains[runID] = chain
	}
	l.mu.Unlock()

	// Sequence reservation and the storage append happen under the run's
	// own lock: entries for one run can never be persisted out of order,
	// and appends for different runs never contend.
	chain.mu.Lock()
	defer chain.mu.Unlock()

	entry := types.AuditEntry{
		RunID:         runID,
		Seq:           chain.nextSeq,
		EventType:     eventType,
		PayloadDigest: digest,
		PrevHash:      chain.lastHash,
		Timestamp:     time.Now().UnixMilli(),
	}
	entry.Hash = chainHash(entry)

	if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
		return types.AuditEntry{}, fmt.Errorf("failed to append audit entry: %w", err)
	}
	chain.nextSeq++
	chain.lastHash = entry.Hash

	return entry, nil
}

// Trail returns the ordered audit trail for a run.
func (l *Logger) Trail(ctx context.Context, runID string) ([]types.AuditEntry, error) {
	entries, err := l.store.ListAuditEntries(ctx, runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Verify recomputes the hash chain for a run from its first entry and
// reports whether every link still holds. A single mutated payload digest,
// reordered entry, or broken link yields false.
func (l *Logger) Verify(ctx context.Context, runID string) (bool, error) {
	entries, err := l.Trail(ctx, runID)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, fmt.Errorf("%w: run=%s", ErrEmptyTrail, runID)
	}

	prevHash := genesisHash
	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			return false, nil
		}
		if entry.PrevHash != prevHash {
			return false, nil
		}
		if chainHash(entry) != entry.Hash {
			return false, nil
		}
		prevHash = entry.Hash
	}
	return true, nil
}

// DigestPayload produces the canonical hex digest of an event payload.
// encoding/json marshals map keys in sorted order, which makes the digest
// independent of insertion order.
func DigestPayload(payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// chainHash computes an entry's link hash over every chained field.
func chainHash(entry types.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s", entry.RunID, entry.Seq, entry.EventType, entry.PayloadDigest, entry.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
