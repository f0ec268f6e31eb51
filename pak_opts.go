package pak

import (
	"log/slog"

	"github.com/meigma/pak/config"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithConfig sets the configuration. By default config.Default is used.
func WithConfig(cfg *config.Config) Option {
	return func(r *Runtime) {
		r.cfg = cfg
	}
}

// WithLogger sets the logger. By default a logger is built from the
// configuration's log section, writing to stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithRegistry uses an existing registry, for example one with classes
// already defined. The runtime does not close a registry it did not create.
func WithRegistry(reg *object.Registry) Option {
	return func(r *Runtime) {
		r.reg = reg
	}
}

// WithResolver overrides the resolver built from the configuration's search
// paths and catalog.
func WithResolver(res source.Resolver) Option {
	return func(r *Runtime) {
		r.resolver = res
	}
}
