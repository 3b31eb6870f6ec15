// ABOUTME: Append-only, hash-linked audit log of every dispatched probe call.
// ABOUTME: Each entry hashes its own fields plus the previous hash; Verify walks the chain.

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/2389/probehub/internal/probe"
)

// GenesisHash anchors the first entry of the chain.
var GenesisHash = strings.Repeat("0", 64)

// verifyBatch is the page size used while walking the chain.
const verifyBatch = 500

// Entry is one immutable audit record.
type Entry struct {
	ID           int64        `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	CallerID     string       `json:"callerId"`
	AgentID      string       `json:"agentId"`
	Probe        string       `json:"probe"`
	Status       probe.Status `json:"status"`
	DurationMs   int64        `json:"durationMs"`
	RequestJSON  string       `json:"requestJson"`
	ResponseJSON string       `json:"responseJson"`
	PrevHash     string       `json:"prevHash"`
	Hash         string       `json:"hash"`
}

// Record holds the caller-supplied fields of a new entry.
type Record struct {
	CallerID     string
	AgentID      string
	Probe        string
	Status       probe.Status
	DurationMs   int64
	RequestJSON  string
	ResponseJSON string
}

// Store persists audit entries. Entries are never updated or deleted.
type Store interface {
	// LastAuditEntry returns the entry with the highest ID, or nil when the log is empty.
	LastAuditEntry(ctx context.Context) (*Entry, error)
	InsertAuditEntry(ctx context.Context, e *Entry) error
	// ListAuditEntries returns up to limit entries with ID > afterID in ascending order.
	ListAuditEntries(ctx context.Context, afterID int64, limit int) ([]*Entry, error)
	// RecentAuditEntries returns up to limit entries, newest first.
	RecentAuditEntries(ctx context.Context, limit int) ([]*Entry, error)
}

// VerifyResult reports whether the chain is intact and, if not, where it first breaks.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt *int64 `json:"brokenAt,omitempty"`
	Checked  int    `json:"checked"`
	Reason   string `json:"reason,omitempty"`
}

// hashInput fixes the field order that is hashed.
type hashInput struct {
	ID           int64  `json:"id"`
	Timestamp    string `json:"timestamp"`
	CallerID     string `json:"callerId"`
	AgentID      string `json:"agentId"`
	Probe        string `json:"probe"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"durationMs"`
	RequestJSON  string `json:"requestJson"`
	ResponseJSON string `json:"responseJson"`
	PrevHash     string `json:"prevHash"`
}

// ComputeHash returns the hex SHA-256 of the entry's canonical fields and PrevHash.
func ComputeHash(e *Entry) string {
	canonical, _ := json.Marshal(hashInput{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		CallerID:     e.CallerID,
		AgentID:      e.AgentID,
		Probe:        e.Probe,
		Status:       string(e.Status),
		DurationMs:   e.DurationMs,
		RequestJSON:  e.RequestJSON,
		ResponseJSON: e.ResponseJSON,
		PrevHash:     e.PrevHash,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Chain appends and verifies audit entries.
type Chain struct {
	store  Store
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// NewChain creates a Chain backed by store.
func NewChain(store Store, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{store: store, now: time.Now, logger: logger}
}

// Append links a new entry to the current head of the chain and stores it.
// Appends are serialized so IDs and links stay contiguous.
func (c *Chain) Append(ctx context.Context, rec Record) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.store.LastAuditEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}

	e := &Entry{
		ID:           1,
		Timestamp:    c.now().UTC(),
		CallerID:     rec.CallerID,
		AgentID:      rec.AgentID,
		Probe:        rec.Probe,
		Status:       rec.Status,
		DurationMs:   rec.DurationMs,
		RequestJSON:  rec.RequestJSON,
		ResponseJSON: rec.ResponseJSON,
		PrevHash:     GenesisHash,
	}
	if last != nil {
		e.ID = last.ID + 1
		e.PrevHash = last.Hash
	}
	e.Hash = ComputeHash(e)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
	if err := r.Do(func() error {
		return c.store.InsertAuditEntry(ctx, e)
	}); err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}

	c.logger.Debug("audit entry appended", "id", e.ID, "probe", e.Probe, "agent_id", e.AgentID, "status", e.Status)
	return e, nil
}

// Verify walks every entry in ascending ID order, recomputing hashes and
// checking links. The first mismatch is reported as BrokenAt.
func (c *Chain) Verify(ctx context.Context) (*VerifyResult, error) {
	res := &VerifyResult{Valid: true}
	prevHash := GenesisHash
	var prevID int64

	for {
		batch, err := c.store.ListAuditEntries(ctx, prevID, verifyBatch)
		if err != nil {
			return nil, fmt.Errorf("reading audit entries: %w", err)
		}
		for _, e := range batch {
			if reason := checkEntry(e, prevID, prevHash); reason != "" {
				id := e.ID
				res.Valid = false
				res.BrokenAt = &id
				res.Reason = reason
				c.logger.Warn("audit chain broken", "broken_at", id, "reason", reason)
				return res, nil
			}
			res.Checked++
			prevID = e.ID
			prevHash = e.Hash
		}
		if len(batch) < verifyBatch {
			return res, nil
		}
	}
}

func checkEntry(e *Entry, prevID int64, prevHash string) string {
	switch {
	case e.ID != prevID+1:
		return fmt.Sprintf("expected id %d, found %d", prevID+1, e.ID)
	case e.PrevHash != prevHash:
		return "prevHash does not match the previous entry"
	case ComputeHash(e) != e.Hash:
		return "stored hash does not match entry contents"
	default:
		return ""
	}
}

// Recent returns up to limit entries, newest first.
func (c *Chain) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.store.RecentAuditEntries(ctx, limit)
}
