package settlement

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/alert"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	obsmetrics "github.com/smallbiznis/vilokanam/internal/observability/metrics"
	"github.com/smallbiznis/vilokanam/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"github.com/smallbiznis/vilokanam/internal/settlement/ledgerclient"
	"github.com/smallbiznis/vilokanam/internal/settlement/signing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("settlement",
	ledgerclient.Module,
	fx.Provide(
		signing.Provide,
		provideSubmitter,
	),
	fx.Invoke(runSubmitter),
)

type submitterIn struct {
	fx.In

	Sessions Sessions
	Ledger   settlementdomain.LedgerClient
	Signer   settlementdomain.Signer
	Limiter  ratelimit.Limiter
	Locker   *ratelimit.Locker `optional:"true"`
	Alerter  alert.Alerter
	Policy   *config.PolicyHolder
	Clock    clock.Clock
	Node     *snowflake.Node
	Log      *zap.Logger
	Metrics  *obsmetrics.Metrics
	Prom     *obsmetrics.SettlementMetrics
}

var _ Leaser = (*ratelimit.Locker)(nil)

func provideSubmitter(in submitterIn) *Submitter {
	var locker Leaser
	if in.Locker.Enabled() {
		locker = in.Locker
	}
	return NewSubmitter(Params{
		Sessions: in.Sessions,
		Ledger:   in.Ledger,
		Signer:   in.Signer,
		Limiter:  in.Limiter,
		Locker:   locker,
		Alerter:  in.Alerter,
		Policy:   in.Policy,
		Clock:    in.Clock,
		Node:     in.Node,
		Log:      in.Log,
		Metrics:  in.Metrics,
		Prom:     in.Prom,
	})
}

func runSubmitter(lc fx.Lifecycle, s *Submitter) {
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
				s.RunForever(ctx)
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
