package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&accrualdomain.Tick{}))
	return conn
}

func ticks(sessionID int64, from, to uint64) []accrualdomain.Tick {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	out := make([]accrualdomain.Tick, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, accrualdomain.Tick{
			SessionID:   snowflake.ID(sessionID),
			Index:       i,
			GeneratedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func TestInsertIsIdempotentAndDeleteThroughPrunes(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	repo := Provide()

	require.NoError(t, repo.InsertTicks(ctx, conn, ticks(1, 1, 5)))
	require.NoError(t, repo.InsertTicks(ctx, conn, ticks(1, 4, 6)))
	require.NoError(t, repo.InsertTicks(ctx, conn, ticks(2, 1, 2)))

	all, err := repo.ListAll(ctx, conn)
	require.NoError(t, err)
	require.Len(t, all, 8)

	require.NoError(t, repo.DeleteThrough(ctx, conn, 1, 4))
	all, err = repo.ListAll(ctx, conn)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, uint64(5), all[0].Index)

	require.NoError(t, repo.DeleteSession(ctx, conn, 2))
	all, err = repo.ListAll(ctx, conn)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
