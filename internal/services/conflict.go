package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
)

// MethodLastWriterWins is the resolution method recorded on the audit
// trail for every resolved conflict.
const MethodLastWriterWins = "last_writer_wins"

// Resolution describes one resolved conflict. The losing write stays in
// the change log for manual review, flagged superseded so replays skip
// it; the audit trail records the method and both payloads.
type Resolution struct {
	RecordKey string               `json:"record_key"`
	Winner    *models.ChangeRecord `json:"winner"`
	Loser     *models.ChangeRecord `json:"loser"`
	Method    string               `json:"method"`
}

// ConflictResolver detects competing writes to the same record key within
// the configured window and settles them deterministically.
type ConflictResolver struct {
	changes repositories.ChangeLogRepository
	audit   repositories.AuditRepository
	window  time.Duration
	log     *logger.Logger
}

// NewConflictResolver creates a resolver. window is how close two origin
// timestamps must be to count as competing writes (default 5s; tune to
// the business tolerance for stale overwrites).
func NewConflictResolver(
	changes repositories.ChangeLogRepository,
	audit repositories.AuditRepository,
	window time.Duration,
	log *logger.Logger,
) *ConflictResolver {
	return &ConflictResolver{changes: changes, audit: audit, window: window, log: log}
}

// Evaluate checks an incoming change against the latest logged change for
// the same record key. Returns nil when there is no conflict. Two inserts
// of unrelated new entities never collide here because they carry
// different record keys.
func (r *ConflictResolver) Evaluate(ctx context.Context, incoming *models.ChangeRecord) (*Resolution, error) {
	latest, err := r.changes.LatestForKey(ctx, incoming.RecordKey)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conflict check failed: %w", err)
	}

	delta := incoming.OriginTimestamp.Sub(latest.OriginTimestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta > r.window {
		return nil, nil
	}

	winner, loser := lastWriterWins(latest, incoming)
	resolution := &Resolution{
		RecordKey: incoming.RecordKey,
		Winner:    winner,
		Loser:     loser,
		Method:    MethodLastWriterWins,
	}

	table, recordID := SplitRecordKey(incoming.RecordKey)
	method := MethodLastWriterWins
	if err := r.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:         loser.OriginDeviceID,
		OperationType:    models.AuditOpConflictResolution,
		TableName:        table,
		RecordID:         recordID,
		OldValues:        loser.Payload,
		NewValues:        winner.Payload,
		ResolutionMethod: &method,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit conflict resolution: %w", err)
	}

	r.log.Info().
		Str("record_key", incoming.RecordKey).
		Str("winning_device", winner.OriginDeviceID).
		Str("losing_device", loser.OriginDeviceID).
		Msg("conflict resolved")

	return resolution, nil
}

// lastWriterWins picks the change with the later origin timestamp. Equal
// timestamps fall back to ascending lexical device id, the same
// tie-break elections use.
func lastWriterWins(a, b *models.ChangeRecord) (winner, loser *models.ChangeRecord) {
	switch {
	case b.OriginTimestamp.After(a.OriginTimestamp):
		return b, a
	case a.OriginTimestamp.After(b.OriginTimestamp):
		return a, b
	case a.OriginDeviceID <= b.OriginDeviceID:
		return a, b
	default:
		return b, a
	}
}

// SplitRecordKey splits a "table/id" record key. Keys without a separator
// map to an empty table name.
func SplitRecordKey(key string) (table, recordID string) {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
