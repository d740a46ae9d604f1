package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds the tunable metering and settlement parameters.
type Policy struct {
	TickInterval   time.Duration    `mapstructure:"tickInterval"`
	GracePeriod    time.Duration    `mapstructure:"gracePeriod"`
	DriftTolerance int              `mapstructure:"driftTolerance"`
	Settlement     SettlementPolicy `mapstructure:"settlement"`
	WAL            WALPolicy        `mapstructure:"wal"`
}

type SettlementPolicy struct {
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	JobTimeout        time.Duration `mapstructure:"jobTimeout"`
	MaxAttempts       int           `mapstructure:"maxAttempts"`
	BackoffBase       time.Duration `mapstructure:"backoffBase"`
	BackoffMax        time.Duration `mapstructure:"backoffMax"`
	BacklogAlertTicks uint64        `mapstructure:"backlogAlertTicks"`
	RatePerSecond     float64       `mapstructure:"ratePerSecond"`
	Burst             int           `mapstructure:"burst"`
	BatchSize         int           `mapstructure:"batchSize"`
	Concurrency       int           `mapstructure:"concurrency"`
}

type WALPolicy struct {
	FlushInterval time.Duration `mapstructure:"flushInterval"`
	FlushSize     int           `mapstructure:"flushSize"`
}

func DefaultPolicy() Policy {
	return Policy{
		TickInterval:   time.Second,
		GracePeriod:    30 * time.Second,
		DriftTolerance: 1,
		Settlement: SettlementPolicy{
			PollInterval:      2 * time.Second,
			JobTimeout:        30 * time.Second,
			MaxAttempts:       8,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			BacklogAlertTicks: 300,
			RatePerSecond:     10,
			Burst:             20,
			BatchSize:         100,
			Concurrency:       4,
		},
		WAL: WALPolicy{
			FlushInterval: 250 * time.Millisecond,
			FlushSize:     256,
		},
	}
}

// PolicyHolder serves the current Policy and swaps it on file change.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

// NewPolicyHolder reads metering.yml and watches it for changes. A missing
// file yields DefaultPolicy.
func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("policy")

	v := viper.New()
	if path := strings.TrimSpace(cfg.PolicyPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("metering")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/vilokanam")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VILOKANAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setPolicyDefaults(v, DefaultPolicy())

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read metering policy: %w", err)
		}
		found = false
	}

	p, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(p)
	if !found {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("invalid metering policy ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("metering policy reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("decode metering policy: %w", err)
	}
	if err := ValidatePolicy(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func setPolicyDefaults(v *viper.Viper, p Policy) {
	v.SetDefault("tickInterval", p.TickInterval)
	v.SetDefault("gracePeriod", p.GracePeriod)
	v.SetDefault("driftTolerance", p.DriftTolerance)
	v.SetDefault("settlement.pollInterval", p.Settlement.PollInterval)
	v.SetDefault("settlement.jobTimeout", p.Settlement.JobTimeout)
	v.SetDefault("settlement.maxAttempts", p.Settlement.MaxAttempts)
	v.SetDefault("settlement.backoffBase", p.Settlement.BackoffBase)
	v.SetDefault("settlement.backoffMax", p.Settlement.BackoffMax)
	v.SetDefault("settlement.backlogAlertTicks", p.Settlement.BacklogAlertTicks)
	v.SetDefault("settlement.ratePerSecond", p.Settlement.RatePerSecond)
	v.SetDefault("settlement.burst", p.Settlement.Burst)
	v.SetDefault("settlement.batchSize", p.Settlement.BatchSize)
	v.SetDefault("settlement.concurrency", p.Settlement.Concurrency)
	v.SetDefault("wal.flushInterval", p.WAL.FlushInterval)
	v.SetDefault("wal.flushSize", p.WAL.FlushSize)
}

// ValidatePolicy rejects values the engine cannot run with.
func ValidatePolicy(p Policy) error {
	if p.TickInterval <= 0 {
		return errors.New("tickInterval must be positive")
	}
	if p.GracePeriod <= 0 {
		return errors.New("gracePeriod must be positive")
	}
	if p.DriftTolerance < 0 {
		return errors.New("driftTolerance cannot be negative")
	}
	s := p.Settlement
	if s.PollInterval <= 0 {
		return errors.New("settlement.pollInterval must be positive")
	}
	if s.MaxAttempts <= 0 {
		return errors.New("settlement.maxAttempts must be positive")
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return errors.New("settlement backoff must satisfy 0 < backoffBase <= backoffMax")
	}
	if s.RatePerSecond <= 0 || s.Burst <= 0 {
		return errors.New("settlement rate limit must be positive")
	}
	if s.BatchSize <= 0 {
		return errors.New("settlement.batchSize must be positive")
	}
	if p.WAL.FlushInterval <= 0 || p.WAL.FlushSize <= 0 {
		return errors.New("wal flush settings must be positive")
	}
	return nil
}
