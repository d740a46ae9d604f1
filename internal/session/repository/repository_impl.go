package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() sessiondomain.Repository {
	return &repo{}
}

const sessionColumns = `id, viewer_id, creator_id, state, started_at, last_tick_index, last_confirmed_index,
	grace_deadline, last_disconnect_at, unsettled_balance, unsettled_reason, close_reason, closed_at,
	archived_at, metadata, created_at, updated_at`

// Upsert writes the latest snapshot of each session.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, sessions []sessiondomain.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state",
				"started_at",
				"last_tick_index",
				"last_confirmed_index",
				"grace_deadline",
				"last_disconnect_at",
				"unsettled_balance",
				"unsettled_reason",
				"close_reason",
				"closed_at",
				"metadata",
				"updated_at",
			}),
		}).
		Create(&sessions).Error
}

func (r *repo) Archive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE metering_sessions SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		at,
		at,
		id,
	).Error
}

func (r *repo) ListUnarchived(ctx context.Context, db *gorm.DB) ([]sessiondomain.Session, error) {
	var sessions []sessiondomain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT ` + sessionColumns + ` FROM metering_sessions WHERE archived_at IS NULL ORDER BY id ASC`,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
