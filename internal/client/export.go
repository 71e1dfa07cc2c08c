package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var _ Exporter = (*GuardedExporter)(nil)

// GuardedExporter retries an Exporter through a CircuitBreaker.
type GuardedExporter struct {
	exp      Exporter
	breaker  *CircuitBreaker
	attempts int
	backoff  time.Duration
}

func NewGuardedExporter(exp Exporter, breaker *CircuitBreaker, attempts int, backoff time.Duration) *GuardedExporter {
	if attempts < 1 {
		attempts = 1
	}
	return &GuardedExporter{exp: exp, breaker: breaker, attempts: attempts, backoff: backoff}
}

func (g *GuardedExporter) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.attempts-1)), ctx)
}

// DoPut sends record to datasetName, retrying with exponential backoff until
// the attempts run out, the breaker opens, or ctx is done.
func (g *GuardedExporter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	attempt := 0
	op := func() error {
		attempt++
		err := g.breaker.Execute(func() error {
			return g.exp.DoPut(ctx, datasetName, record)
		})
		if errors.Is(err, ErrCircuitOpen) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Str("dataset", datasetName).Msg("Export failed")
	}

	if err := backoff.RetryNotify(op, g.newBackOff(ctx), notify); err != nil {
		return fmt.Errorf("export %s after %d attempts: %w", datasetName, attempt, err)
	}
	return nil
}

func (g *GuardedExporter) Close() error {
	return g.exp.Close()
}
