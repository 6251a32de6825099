package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries tunables the billing loops read on every pass.
// It is hot-reloadable so grace windows can be adjusted without restarts.
type BillingConfig struct {
	// Grace between invoiceAt and dueAt.
	GraceMinuteInterval time.Duration `mapstructure:"graceMinuteInterval"`
	GraceAdvance        time.Duration `mapstructure:"graceAdvance"`
	GraceArrear         time.Duration `mapstructure:"graceArrear"`

	MaxPaymentAttempts int `mapstructure:"maxPaymentAttempts"`

	BatchPeriods   int `mapstructure:"batchPeriods"`
	BatchRenew     int `mapstructure:"batchRenew"`
	BatchInvoicing int `mapstructure:"batchInvoicing"`
	BatchBilling   int `mapstructure:"batchBilling"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		GraceMinuteInterval: time.Minute,
		GraceAdvance:        15 * time.Minute,
		GraceArrear:         60 * time.Minute,
		MaxPaymentAttempts:  10,
		BatchPeriods:        100,
		BatchRenew:          200,
		BatchInvoicing:      500,
		BatchBilling:        100,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterbill/config")
	v.AddConfigPath("/etc/meterbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.graceMinuteInterval", defaults.GraceMinuteInterval)
	v.SetDefault("billing.graceAdvance", defaults.GraceAdvance)
	v.SetDefault("billing.graceArrear", defaults.GraceArrear)
	v.SetDefault("billing.maxPaymentAttempts", defaults.MaxPaymentAttempts)
	v.SetDefault("billing.batchPeriods", defaults.BatchPeriods)
	v.SetDefault("billing.batchRenew", defaults.BatchRenew)
	v.SetDefault("billing.batchInvoicing", defaults.BatchInvoicing)
	v.SetDefault("billing.batchBilling", defaults.BatchBilling)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.MaxPaymentAttempts <= 0 {
		return errors.New("billing.maxPaymentAttempts must be positive")
	}
	if cfg.BatchPeriods <= 0 || cfg.BatchRenew <= 0 || cfg.BatchInvoicing <= 0 || cfg.BatchBilling <= 0 {
		return errors.New("billing batch sizes must be positive")
	}
	return nil
}
