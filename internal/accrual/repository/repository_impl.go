package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() accrualdomain.Repository {
	return &repo{}
}

// InsertTicks appends ticks to the journal; replays of the same index are no-ops.
func (r *repo) InsertTicks(ctx context.Context, db *gorm.DB, ticks []accrualdomain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&ticks, 500).Error
}

func (r *repo) DeleteThrough(ctx context.Context, db *gorm.DB, sessionID snowflake.ID, index uint64) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM accrual_ticks WHERE session_id = ? AND tick_index <= ?`,
		sessionID,
		index,
	).Error
}

func (r *repo) DeleteSession(ctx context.Context, db *gorm.DB, sessionID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM accrual_ticks WHERE session_id = ?`,
		sessionID,
	).Error
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]accrualdomain.Tick, error) {
	var ticks []accrualdomain.Tick
	err := db.WithContext(ctx).Raw(
		`SELECT session_id, tick_index, generated_at FROM accrual_ticks ORDER BY session_id ASC, tick_index ASC`,
	).Scan(&ticks).Error
	if err != nil {
		return nil, err
	}
	return ticks, nil
}
