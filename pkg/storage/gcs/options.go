package gcs

import (
	"github.com/oneconcern/buildfarm/pkg/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Option is a functor to pass optional parameters to the gcs store
type Option func(*gcs)

// Logger specifies a logger for this store
func Logger(logger *zap.Logger) Option {
	return func(g *gcs) {
		if logger != nil {
			g.l = logger
		}
	}
}

// Prefix prepended to every object name
func Prefix(prefix string) Option {
	return func(g *gcs) {
		g.prefix = prefix
	}
}

// Verifier sets the verification applied on Put
func Verifier(v storage.Verifier) Option {
	return func(g *gcs) {
		g.verifier = v
	}
}

// ClientOptions are passed to the google cloud storage client (credentials, endpoint)
func ClientOptions(opts ...option.ClientOption) Option {
	return func(g *gcs) {
		g.clientOpts = append(g.clientOpts, opts...)
	}
}
