package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPolicyHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewPolicyHolder(Config{}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, DefaultPolicy(), holder.Get())
}

func TestNewPolicyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metering.yml")
	body := []byte("tickInterval: 2s\ngracePeriod: 45s\nsettlement:\n  maxAttempts: 3\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	holder, err := NewPolicyHolder(Config{PolicyPath: path}, zap.NewNop())
	require.NoError(t, err)

	p := holder.Get()
	require.Equal(t, 2*time.Second, p.TickInterval)
	require.Equal(t, 45*time.Second, p.GracePeriod)
	require.Equal(t, 3, p.Settlement.MaxAttempts)
	require.Equal(t, DefaultPolicy().Settlement.BackoffMax, p.Settlement.BackoffMax)
}

func TestNewPolicyHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metering.yml")
	require.NoError(t, os.WriteFile(path, []byte("tickInterval: 0s\n"), 0o600))

	_, err := NewPolicyHolder(Config{PolicyPath: path}, zap.NewNop())
	require.Error(t, err)
}

func TestValidatePolicyBackoffOrdering(t *testing.T) {
	p := DefaultPolicy()
	p.Settlement.BackoffMax = p.Settlement.BackoffBase / 2
	require.Error(t, ValidatePolicy(p))
}
