package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/smallbiznis/vilokanam/internal/config"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const payloadVersion = "vilokanam.accrual.v1"

var ErrInvalidSeed = errors.New("invalid_signing_seed")

// Payload is the canonical byte form of an accrual.
func Payload(a settlementdomain.Accrual) []byte {
	return fmt.Appendf(nil, "%s|%d|%s|%s|%d|%d",
		payloadVersion, a.SessionID, a.ViewerID, a.CreatorID, a.PrevIndex, a.TargetIndex)
}

// Digest is what gets signed.
func Digest(a settlementdomain.Accrual) [32]byte {
	return blake2b.Sum256(Payload(a))
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer derives the key from a 32 byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) Sign(a settlementdomain.Accrual) (settlementdomain.SignedAccrual, error) {
	if err := a.Validate(); err != nil {
		return settlementdomain.SignedAccrual{}, err
	}
	digest := Digest(a)
	return settlementdomain.SignedAccrual{
		Accrual:   a,
		PublicKey: s.PublicKey(),
		Signature: ed25519.Sign(s.key, digest[:]),
	}, nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.key.Public().(ed25519.PublicKey))
}

// Verify checks the signature against the key carried in the accrual.
func Verify(sa settlementdomain.SignedAccrual) bool {
	if len(sa.PublicKey) != ed25519.PublicKeySize || len(sa.Signature) != ed25519.SignatureSize {
		return false
	}
	digest := Digest(sa.Accrual)
	return ed25519.Verify(ed25519.PublicKey(sa.PublicKey), digest[:], sa.Signature)
}

// Provide loads the signing key from LEDGER_SIGNING_SEED (hex). Outside
// production an ephemeral key is generated when the seed is unset.
func Provide(cfg config.Config, log *zap.Logger) (settlementdomain.Signer, error) {
	if cfg.LedgerSigningSeed == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("%w: LEDGER_SIGNING_SEED is required in production", ErrInvalidSeed)
		}
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		log.Warn("using ephemeral ledger signing key")
		return NewEd25519Signer(seed)
	}
	seed, err := hex.DecodeString(cfg.LedgerSigningSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return NewEd25519Signer(seed)
}
