package coordinator

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/accrual"
	accrualrepository "github.com/smallbiznis/vilokanam/internal/accrual/repository"
	"github.com/smallbiznis/vilokanam/internal/alert"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/journal"
	"github.com/smallbiznis/vilokanam/internal/liveevents"
	"github.com/smallbiznis/vilokanam/internal/observability/metrics"
	"github.com/smallbiznis/vilokanam/internal/session/registry"
	sessionrepository "github.com/smallbiznis/vilokanam/internal/session/repository"
	"github.com/smallbiznis/vilokanam/internal/settlement"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("coordinator",
	fx.Provide(
		sessionrepository.Provide,
		accrualrepository.Provide,
		provideRegistry,
		provideLedger,
		provideHub,
		provideCoordinator,
		func(c *Coordinator) settlement.Sessions { return c },
	),
	fx.Invoke(registerLifecycle),
)

func provideRegistry(clk clock.Clock, node *snowflake.Node, w *journal.Writer) *registry.Registry {
	r := registry.New(clk, node)
	r.AddObserver(w)
	return r
}

func provideLedger(w *journal.Writer) *accrual.Ledger {
	return accrual.NewLedger(w)
}

func provideHub(m *metrics.Metrics) *liveevents.Hub {
	return liveevents.NewHub(liveevents.WithDropHook(func(n int) {
		m.RecordEventsDropped(context.Background(), n)
	}))
}

type coordinatorIn struct {
	fx.In

	Registry *registry.Registry
	Ledger   *accrual.Ledger
	Journal  *journal.Writer
	Hub      *liveevents.Hub
	Alerter  alert.Alerter
	Policy   *config.PolicyHolder
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

func provideCoordinator(in coordinatorIn) *Coordinator {
	return New(Params{
		Registry: in.Registry,
		Ledger:   in.Ledger,
		Store:    in.Journal,
		Hub:      in.Hub,
		Alerter:  in.Alerter,
		Policy:   in.Policy,
		Clock:    in.Clock,
		Log:      in.Log,
		Metrics:  in.Metrics,
	})
}

func registerLifecycle(lc fx.Lifecycle, c *Coordinator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := c.Restore(ctx)
			return err
		},
		OnStop: func(context.Context) error {
			c.Stop()
			return nil
		},
	})
}
