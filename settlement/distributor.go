package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibeswap/vibeswap/logger"
	"github.com/vibeswap/vibeswap/types"
)

type (
	// Payout is one slice of a distributed slash.
	Payout struct {
		_           struct{} `cbor:",toarray"`
		Destination string
		Amount      uint64
	}

	/*
		Distributor routes forfeited deposits to the destinations the
		treasury collaborator configures - the split ratios are supplied
		by the caller, never owned by the engine. Distribution is
		idempotent: a slash record is paid out at most once, repeated
		calls for the same record return the recorded payouts without
		paying again.
	*/
	Distributor struct {
		mutex  sync.Mutex
		paid   map[string][]Payout
		log    *slog.Logger
		tracer trace.Tracer
		mCnt   metric.Int64Counter
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

func NewDistributor(obs Observability) (*Distributor, error) {
	d := &Distributor{
		paid:   make(map[string][]Payout),
		log:    obs.Logger(),
		tracer: obs.Tracer("settlement"),
	}

	var err error
	if d.mCnt, err = obs.Meter("settlement").Int64Counter(
		"slash.distributed",
		metric.WithDescription("Total slashed amount routed to destinations."),
	); err != nil {
		return nil, fmt.Errorf("creating slash counter: %w", err)
	}
	return d, nil
}

/*
Distribute splits the slashed amount across the destinations per the
given basis-point splits. Integer division dust goes to the first
destination so that the payouts always sum to the full slashed amount.
The second call for the same record is a no-op returning the original
payouts.
*/
func (d *Distributor) Distribute(ctx context.Context, rec types.SlashRecord, splits []types.SlashSplit) ([]Payout, error) {
	ctx, span := d.tracer.Start(ctx, "Distributor.Distribute")
	defer span.End()

	if err := types.ValidSplits(splits); err != nil {
		return nil, fmt.Errorf("invalid slash splits: %w", err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	key := slashKey(rec)
	if payouts, found := d.paid[key]; found {
		return payouts, nil
	}

	payouts := make([]Payout, len(splits))
	var distributed uint64
	for i, s := range splits {
		amount := mulBP(rec.Amount, s.FractionBP)
		payouts[i] = Payout{Destination: s.Destination, Amount: amount}
		distributed += amount
	}
	// rounding dust to the first destination, payouts must sum to the
	// slashed amount exactly
	payouts[0].Amount += rec.Amount - distributed

	d.paid[key] = payouts
	d.mCnt.Add(ctx, int64(rec.Amount)) /* #nosec G115 amounts are way below int64 max */
	d.log.InfoContext(ctx, fmt.Sprintf("distributed slash of %d across %d destinations", rec.Amount, len(payouts)),
		logger.Batch(rec.PoolID, rec.BatchID), logger.Participant(rec.Participant))
	return payouts, nil
}

func slashKey(rec types.SlashRecord) string {
	return fmt.Sprintf("%s/%d/%s", rec.PoolID, rec.BatchID, rec.Participant)
}
