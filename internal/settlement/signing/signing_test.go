package signing

import (
	"bytes"
	"strings"
	"testing"

	"github.com/smallbiznis/vilokanam/internal/config"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAccrual() settlementdomain.Accrual {
	return settlementdomain.Accrual{SessionID: 99, ViewerID: "alice", CreatorID: "bob", PrevIndex: 4, TargetIndex: 10}
}

func TestPayloadIsCanonical(t *testing.T) {
	assert.Equal(t, "vilokanam.accrual.v1|99|alice|bob|4|10", string(Payload(testAccrual())))
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewEd25519Signer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	signed, err := signer.Sign(testAccrual())
	require.NoError(t, err)
	assert.True(t, Verify(signed))

	tampered := signed
	tampered.TargetIndex = 11
	assert.False(t, Verify(tampered))

	other, err := NewEd25519Signer(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	forged := signed
	forged.PublicKey = other.PublicKey()
	assert.False(t, Verify(forged))
}

func TestSignIsDeterministic(t *testing.T) {
	signer, err := NewEd25519Signer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	a, err := signer.Sign(testAccrual())
	require.NoError(t, err)
	b, err := signer.Sign(testAccrual())
	require.NoError(t, err)
	assert.Equal(t, a.Signature, b.Signature)
}

func TestSignRejectsInvalidAccrual(t *testing.T) {
	signer, err := NewEd25519Signer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	_, err = signer.Sign(settlementdomain.Accrual{})
	require.ErrorIs(t, err, settlementdomain.ErrInvalidAccrual)
}

func TestProvide(t *testing.T) {
	log := zap.NewNop()

	s, err := Provide(config.Config{Environment: "development"}, log)
	require.NoError(t, err)
	assert.Len(t, s.PublicKey(), 32)

	_, err = Provide(config.Config{Environment: "production"}, log)
	require.ErrorIs(t, err, ErrInvalidSeed)

	_, err = Provide(config.Config{LedgerSigningSeed: "zz"}, log)
	require.ErrorIs(t, err, ErrInvalidSeed)

	s, err = Provide(config.Config{LedgerSigningSeed: strings.Repeat("ab", 32)}, log)
	require.NoError(t, err)
	assert.Len(t, s.PublicKey(), 32)
}
