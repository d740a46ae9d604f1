package migration

import (
	"github.com/smallbiznis/vilokanam/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config) error {
		return Migrate(conn, cfg.Type)
	}),
)
