package bootstrap

import (
	"github.com/chittyos/evidence-ledger/common/config"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipRedis     bool
	skipQueue     bool
	skipCache     bool
	skipTelemetry bool
	configFile    string
	customLogger  *logger.Logger
	customConfig  *config.Config
	store         ledger.Store
}

// WithoutRedis skips redis even when the config enables it
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutCache skips cache initialization
func WithoutCache() Option {
	return func(o *options) {
		o.skipCache = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading one
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithConfigFile loads configuration from path in addition to the environment
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configFile = path
	}
}

// WithStore uses an already opened ledger store instead of the configured backend
func WithStore(store ledger.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

func defaultOptions() *options {
	return &options{}
}
