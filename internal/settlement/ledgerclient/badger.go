package ledgerclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
)

// Badger is a single-node ledger persisted in badger. It keeps the committed
// index per session, stream membership and the tick total per creator.
type Badger struct {
	db *badger.DB
}

func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func sessionKey(sa settlementdomain.SignedAccrual) []byte {
	return fmt.Appendf(nil, "session/%d", sa.SessionID)
}

func memberKey(creatorID, viewerID string) []byte {
	return fmt.Appendf(nil, "member/%s/%s", creatorID, viewerID)
}

func countKey(creatorID string) []byte {
	return fmt.Appendf(nil, "count/%s", creatorID)
}

func (b *Badger) JoinStream(ctx context.Context, viewerID, creatorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(creatorID, viewerID), []byte{1})
	})
}

func (b *Badger) SubmitAccrual(ctx context.Context, sa settlementdomain.SignedAccrual) (settlementdomain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return settlementdomain.SubmitResult{}, err
	}
	var res settlementdomain.SubmitResult
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(sa.CreatorID, sa.ViewerID))
		member := err == nil
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		prev, err := getUint64(txn, sessionKey(sa))
		if err != nil {
			return err
		}
		var next uint64
		next, res = decide(prev, sa, member)
		if next == prev {
			return nil
		}

		total, err := getUint64(txn, countKey(sa.CreatorID))
		if err != nil {
			return err
		}
		if err := setUint64(txn, sessionKey(sa), next); err != nil {
			return err
		}
		return setUint64(txn, countKey(sa.CreatorID), total+next-prev)
	})
	if errors.Is(err, badger.ErrConflict) {
		return settlementdomain.Pending(), nil
	}
	if err != nil {
		return settlementdomain.SubmitResult{}, fmt.Errorf("%w: %v", settlementdomain.ErrLedgerUnavailable, err)
	}
	return res, nil
}

func (b *Badger) TickCount(ctx context.Context, creatorID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		total, err = getUint64(txn, countKey(creatorID))
		return err
	})
	return total, err
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt value at %s", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func setUint64(txn *badger.Txn, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set(key, buf)
}
