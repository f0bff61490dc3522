package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithNow provides an optional func for determining what the current time is.
// Supported by: Request, MemoryStorage, Session.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *requestOptions:
			v.withNowFunc = now
		case *storageOptions:
			v.withNowFunc = now
		case *sessionOptions:
			v.withNowFunc = now
		}
	}
}

// WithLogger provides an optional hclog.Logger for the Session.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if v, ok := o.(*sessionOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}
