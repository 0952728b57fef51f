package persistence

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"DscEngine/internal/engine"
	"DscEngine/internal/ledger"
)

// StoreOutput is one engine output flattened into writable rows.
type StoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// FromEngineOutput converts a finalized engine output into rows. Account
// keys become string paths and big.Int amounts become decimal strings.
func FromEngineOutput(out engine.Output, assets *ledger.AssetSet) (StoreOutput, error) {
	env := out.Envelope
	if env == nil {
		return StoreOutput{}, fmt.Errorf("output without envelope")
	}

	payload, err := MarshalEventPayload(out.Payload)
	if err != nil {
		return StoreOutput{}, fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}

	row := EventRow{
		Sequence:    env.Sequence,
		OperationID: env.OperationID.String(),
		EventType:   env.EventType.String(),
		Payload:     payload,
		StateHash:   append([]byte(nil), env.StateHash[:]...),
		PrevHash:    append([]byte(nil), env.PrevHash[:]...),
		Timestamp:   env.Timestamp,
	}
	if env.Asset != "" {
		row.Asset = sql.NullString{String: env.Asset, Valid: true}
	}
	if env.User != uuid.Nil {
		row.UserID = sql.NullString{String: env.User.String(), Valid: true}
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      env.Sequence,
				DebitAccount:  j.DebitAccount.Path(assets),
				CreditAccount: j.CreditAccount.Path(assets),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return StoreOutput{EventRow: row, JournalRows: journals}, nil
}
