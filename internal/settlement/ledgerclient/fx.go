package ledgerclient

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/vilokanam/internal/config"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ledgerclient",
	fx.Provide(Provide),
)

// Provide picks the remote node when LEDGER_RPC_URL is set, a badger store
// when LEDGER_DATA_DIR is set, and an in-memory ledger otherwise.
func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (settlementdomain.LedgerClient, error) {
	switch {
	case cfg.LedgerRPCURL != "":
		return NewRPC(cfg.LedgerRPCURL, time.Duration(cfg.LedgerTimeoutMS)*time.Millisecond, log), nil
	case cfg.LedgerDataDir != "":
		store, err := OpenBadger(cfg.LedgerDataDir)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return store.Close()
			},
		})
		log.Info("using embedded ledger", zap.String("dir", cfg.LedgerDataDir))
		return store, nil
	case cfg.IsProduction():
		return nil, errors.New("LEDGER_RPC_URL or LEDGER_DATA_DIR is required in production")
	default:
		log.Warn("using in-memory ledger; settled ticks are lost on restart")
		return NewMemory(), nil
	}
}
