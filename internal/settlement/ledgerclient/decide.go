package ledgerclient

import (
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"github.com/smallbiznis/vilokanam/internal/settlement/signing"
)

const (
	reasonInvalidSignature = "invalid_signature"
	reasonInvalidAccrual   = "invalid_accrual"
	reasonNotMember        = "viewer_not_member"
	reasonPrevAhead        = "prev_index_ahead"
)

// decide applies one submission to the committed index a local ledger holds.
// Targets at or below the committed index are accepted as no-ops, so replays
// report the current index without changing it.
func decide(committed uint64, sa settlementdomain.SignedAccrual, member bool) (uint64, settlementdomain.SubmitResult) {
	if !signing.Verify(sa) {
		return committed, settlementdomain.Rejected(reasonInvalidSignature)
	}
	if err := sa.Validate(); err != nil {
		return committed, settlementdomain.Rejected(reasonInvalidAccrual)
	}
	if !member {
		return committed, settlementdomain.Rejected(reasonNotMember)
	}
	if sa.TargetIndex <= committed {
		return committed, settlementdomain.Committed(committed)
	}
	if sa.PrevIndex > committed {
		return committed, settlementdomain.Rejected(reasonPrevAhead)
	}
	return sa.TargetIndex, settlementdomain.Committed(sa.TargetIndex)
}
