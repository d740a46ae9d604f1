package alert

import (
	"time"

	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("alert",
	fx.Provide(Provide),
)

// Provide builds the process alerter: the log channel is always on, Slack is
// added when a webhook URL is configured.
func Provide(cfg config.Config, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) Alerter {
	channels := []Alerter{NewLogAlerter(log)}
	if cfg.AlertSlackWebhookURL != "" {
		channels = append(channels, NewSlackAlerter(cfg.AlertSlackWebhookURL))
	}
	cooldown := time.Duration(cfg.AlertCooldownSeconds) * time.Second
	return NewMultiAlerter(cooldown, clk, log, m, channels...)
}
