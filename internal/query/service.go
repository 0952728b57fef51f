package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides read-only access to the persisted event log. Live
// position reads (balances, health factors) are answered by the engine
// itself; this service covers history and audit queries.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EventHistoryEntry is one persisted event. The payload is raw JSON as
// written by the persistence worker.
type EventHistoryEntry struct {
	Sequence    int64     `json:"sequence"`
	OperationID string    `json:"operation_id"`
	EventType   string    `json:"event_type"`
	Asset       string    `json:"asset,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Payload     []byte    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// JournalHistoryEntry is one persisted double-entry journal line.
// Amount is a decimal string in base units.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport summarizes hash chain verification.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}

// GetEventHistory returns persisted events, newest first, with
// cursor-based pagination. Either filter may be empty.
func (s *Service) GetEventHistory(
	ctx context.Context,
	userID *uuid.UUID,
	asset string,
	limit int,
	beforeSequence *int64,
) ([]EventHistoryEntry, error) {
	query := `
		SELECT sequence, operation_id, event_type, asset, user_id, payload, timestamp
		FROM event_log.events
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if userID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, userID.String())
		argIdx++
	}
	if asset != "" {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, asset)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventHistoryEntry
	for rows.Next() {
		var e EventHistoryEntry
		var assetCol, userCol sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.OperationID, &e.EventType, &assetCol, &userCol,
			&e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Asset = assetCol.String
		e.UserID = userCol.String
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first, with cursor-based pagination.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity across the event log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`,
	).Scan(&seq); err != nil {
		return nil, err
	}
	report.LatestSequence = seq.Int64

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var broken int64
		if err := rows.Scan(&broken); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, broken)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}
