package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"DscEngine/internal/engine"
	"DscEngine/internal/oracle"
)

// SnapshotManager handles creating and loading state snapshots for
// recovery. On warm restart the engine restores the latest verified
// snapshot before accepting any traffic; operations applied after the
// snapshot was taken are visible in the event log but not in the
// restored balances, so the final snapshot on graceful shutdown is the
// one that matters.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable engine state. Balances and prices are
// decimal strings so 18-decimal base units round-trip exactly.
type SnapshotData struct {
	Sequence  int64                `json:"sequence"`
	StateHash []byte               `json:"state_hash"`
	Balances  map[string]string    `json:"balances"`
	Rounds    map[string]RoundSnap `json:"rounds"`
	CreatedAt time.Time            `json:"created_at"`
}

// RoundSnap is a serializable oracle round.
type RoundSnap struct {
	Price       string `json:"price"`
	Decimals    uint8  `json:"decimals"`
	Sequence    int64  `json:"sequence"`
	UpdatedAtUs int64  `json:"updated_at_us"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromEngineSnapshot converts the engine's in-memory snapshot to its
// storable form.
func FromEngineSnapshot(snap *engine.StateSnapshot) *SnapshotData {
	balances := make(map[string]string, len(snap.Balances))
	for path, bal := range snap.Balances {
		balances[path] = bal.String()
	}

	rounds := make(map[string]RoundSnap, len(snap.Rounds))
	for sym, round := range snap.Rounds {
		rounds[sym] = RoundSnap{
			Price:       round.Price.String(),
			Decimals:    round.Decimals,
			Sequence:    round.Sequence,
			UpdatedAtUs: round.UpdatedAt.UnixMicro(),
		}
	}

	var hash [32]byte = snap.StateHash
	return &SnapshotData{
		Sequence:  snap.Sequence,
		StateHash: hash[:],
		Balances:  balances,
		Rounds:    rounds,
		CreatedAt: time.Now(),
	}
}

// ToEngineSnapshot converts stored snapshot data back to the engine form.
func (d *SnapshotData) ToEngineSnapshot() (*engine.StateSnapshot, error) {
	balances := make(map[string]*big.Int, len(d.Balances))
	for path, s := range d.Balances {
		bal, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot balance %s: invalid amount %q", path, s)
		}
		balances[path] = bal
	}

	rounds := make(map[string]oracle.Round, len(d.Rounds))
	for sym, rs := range d.Rounds {
		price, ok := new(big.Int).SetString(rs.Price, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot round %s: invalid price %q", sym, rs.Price)
		}
		rounds[sym] = oracle.Round{
			Price:     price,
			Decimals:  rs.Decimals,
			Sequence:  rs.Sequence,
			UpdatedAt: time.UnixMicro(rs.UpdatedAtUs),
		}
	}

	var hash [32]byte
	copy(hash[:], d.StateHash)

	return &engine.StateSnapshot{
		Sequence:  d.Sequence,
		StateHash: hash,
		Balances:  balances,
		Rounds:    rounds,
	}, nil
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded
// size in bytes.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return sizeBytes, err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
