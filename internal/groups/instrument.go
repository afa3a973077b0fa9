package groups

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/logging"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
)

// Instrumented wraps a Store, counting and logging successful mutations.
type Instrumented struct {
	Store
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Instrument wraps s. A nil logger disables logging; nil metrics disables
// counting.
func Instrument(s Store, m *metrics.Metrics, logger *logging.Logger) *Instrumented {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Instrumented{Store: s, metrics: m, logger: logger.Named("groups")}
}

// Append implements Store.
func (i *Instrumented) Append(ctx context.Context, assignments ...Assignment) error {
	if err := i.Store.Append(ctx, assignments...); err != nil {
		return err
	}
	i.record(ctx, "append", len(assignments))
	return nil
}

// DeleteByNPI implements Store.
func (i *Instrumented) DeleteByNPI(ctx context.Context, npis []string) (int, error) {
	n, err := i.Store.DeleteByNPI(ctx, npis)
	if err != nil {
		return 0, err
	}
	i.record(ctx, "delete", n)
	return n, nil
}

// UpdateDates implements Store.
func (i *Instrumented) UpdateDates(ctx context.Context, npis []string, start, end string) (int, error) {
	n, err := i.Store.UpdateDates(ctx, npis, start, end)
	if err != nil {
		return 0, err
	}
	i.record(ctx, "update_dates", n)
	return n, nil
}

func (i *Instrumented) record(ctx context.Context, op string, rows int) {
	if rows == 0 {
		return
	}
	if i.metrics != nil {
		i.metrics.RegistryMutations.WithLabelValues(op).Inc()
	}
	i.logger.Info(ctx, "group registry updated", zap.String("op", op), zap.Int("rows", rows))
}
