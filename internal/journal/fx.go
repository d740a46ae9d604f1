package journal

import (
	"context"

	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/smallbiznis/vilokanam/internal/config"
	obsmetrics "github.com/smallbiznis/vilokanam/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("journal",
	fx.Provide(provideWriter),
	fx.Invoke(runWriter),
)

func provideWriter(
	db *gorm.DB,
	sessions sessiondomain.Repository,
	ticks accrualdomain.Repository,
	policy *config.PolicyHolder,
	log *zap.Logger,
	metrics *obsmetrics.SettlementMetrics,
) *Writer {
	return NewWriter(db, sessions, ticks, policy, log, metrics)
}

func runWriter(lc fx.Lifecycle, w *Writer) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
