package ingestion

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"DscEngine/internal/observability"
)

// PriceApplier is the engine-side contract the worker pushes rounds into.
type PriceApplier interface {
	Execute(ctx context.Context, fn func()) error
	ApplyPriceUpdate(symbol string, price *big.Int, decimals uint8, sequence int64, updatedAt time.Time) error
}

// PriceWorker drains raw price messages, parses them and applies them on
// the engine loop. Every outcome acks the message: malformed payloads and
// sequence regressions are permanent rejections, so a nak would only
// cause pointless redelivery. Only a shutdown mid-message naks.
type PriceWorker struct {
	applier   PriceApplier
	priceChan <-chan RawMessage
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPriceWorker(applier PriceApplier, priceChan <-chan RawMessage, metrics *observability.Metrics, logger zerolog.Logger) *PriceWorker {
	return &PriceWorker{
		applier:   applier,
		priceChan: priceChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run processes messages until the context is canceled.
func (w *PriceWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-w.priceChan:
			w.handle(ctx, raw)
		}
	}
}

func (w *PriceWorker) handle(ctx context.Context, raw RawMessage) {
	update, err := ParsePriceUpdate(raw.Data)
	if err != nil {
		w.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed price message")
		if w.metrics != nil {
			w.metrics.PriceUpdatesStale.WithLabelValues("unknown", "malformed").Inc()
		}
		raw.AckFunc()
		return
	}

	var applyErr error
	err = w.applier.Execute(ctx, func() {
		applyErr = w.applier.ApplyPriceUpdate(
			update.Asset, update.Price, update.Decimals, update.Sequence, update.UpdatedAt)
	})
	if err != nil {
		// Shutdown before the engine saw the message; redeliver.
		raw.NakFunc()
		return
	}

	if applyErr != nil {
		w.logger.Warn().Err(applyErr).
			Str("asset", update.Asset).
			Int64("sequence", update.Sequence).
			Msg("price update rejected")
		if w.metrics != nil {
			w.metrics.PriceUpdatesStale.WithLabelValues(update.Asset, "rejected").Inc()
		}
		raw.AckFunc()
		return
	}

	if w.metrics != nil {
		w.metrics.PriceUpdates.WithLabelValues(update.Asset).Inc()
		w.metrics.PriceFeedAge.WithLabelValues(update.Asset).
			Set(time.Since(update.UpdatedAt).Seconds())
		w.metrics.IngestLatency.WithLabelValues(raw.Subject).
			Observe(time.Since(raw.Timestamp).Seconds())
	}
	raw.AckFunc()
}
