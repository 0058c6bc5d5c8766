package credguard

import (
	"errors"
	"time"

	"github.com/credguard/credguard/password"
	"github.com/credguard/credguard/secrets"
	"github.com/credguard/credguard/supporttoken"
)

// Builder assembles an [Engine]. Obtain one from [New], configure it with
// the With* methods, and call [Builder.Build] exactly once.
type Builder struct {
	config    Config
	store     Store
	sink      AuditSink
	protector secrets.Protector
	clock     func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the persistence boundary. Required.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithAuditSink sets the async telemetry sink. Optional; the durable audit
// log does not depend on it.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithSecretProtector sets the at-rest protection for TOTP seeds. Defaults
// to [secrets.Passthrough].
func (b *Builder) WithSecretProtector(p secrets.Protector) *Builder {
	b.protector = p
	return b
}

// WithClock overrides the time source. Intended for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.store == nil {
		return nil, errors.New("store is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	codec, err := password.NewCodec(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	vendorPEM := b.config.Support.VendorPublicKeyPEM
	if vendorPEM == "" {
		vendorPEM = supporttoken.VendorPublicKeyPEM
	}
	vendorKey, err := supporttoken.ParsePublicKey(vendorPEM)
	if err != nil {
		return nil, err
	}

	protector := b.protector
	if protector == nil {
		protector = secrets.Passthrough{}
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	metrics := NewMetrics(b.config.Metrics)

	b.built = true
	return &Engine{
		config:     b.config,
		store:      b.store,
		codec:      codec,
		protector:  protector,
		vendorKey:  vendorKey,
		dispatcher: newAuditDispatcher(b.config.Audit, b.sink, metrics),
		metrics:    metrics,
		clock:      clock,
	}, nil
}
