package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, sessions []Session) error
	Archive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ListUnarchived(ctx context.Context, db *gorm.DB) ([]Session, error)
}
