package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"DscEngine/internal/engine"
)

// OutboundPublisher publishes finalized engine events to NATS for
// downstream consumers. Subjects follow dsc.ledger.events.{event_type}.
// Publishing is best-effort: the Postgres event log is authoritative, so
// a failed publish is logged and skipped, never retried.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
}

type outboundJSON struct {
	Sequence    int64       `json:"sequence"`
	OperationID string      `json:"operation_id"`
	EventType   string      `json:"event_type"`
	Asset       string      `json:"asset,omitempty"`
	User        string      `json:"user,omitempty"`
	StateHash   string      `json:"state_hash"`
	PrevHash    string      `json:"prev_hash"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	env := out.Envelope

	msg := outboundJSON{
		Sequence:    env.Sequence,
		OperationID: env.OperationID.String(),
		EventType:   env.EventType.String(),
		Asset:       env.Asset,
		StateHash:   hex.EncodeToString(env.StateHash[:]),
		PrevHash:    hex.EncodeToString(env.PrevHash[:]),
		Timestamp:   env.Timestamp,
		Payload:     out.Payload,
	}
	if env.User != uuid.Nil {
		msg.User = env.User.String()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("dsc.ledger.events.%s", env.EventType)

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DSC_LEDGER_EVENTS",
		Subjects:  []string{"dsc.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream DSC_LEDGER_EVENTS")
	return nil
}
