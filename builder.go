package authflow

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/internal"
	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/limiters"
	"github.com/MrEthical07/authflow/internal/secretbox"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/store"
	"github.com/MrEthical07/authflow/store/redisstore"
)

// Builder assembles an Engine.
//
// Builder instances are intended to be configured during initialization and
// used for exactly one Build call.
type Builder struct {
	config Config
	store  store.Store
	redis  redis.UniversalClient

	hasher    password.Hasher
	mailer    Mailer
	social    SocialVerifier
	logger    *zap.Logger
	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the persistence backend. It takes precedence over WithRedis.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithRedis makes Build create a redisstore under Config.Store.RedisPrefix.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPasswordHasher overrides the argon2id hasher built from Config.Password.
func (b *Builder) WithPasswordHasher(h password.Hasher) *Builder {
	b.hasher = h
	return b
}

// WithMailer enables the email factor.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithSocialVerifier enables SignInWithProvider.
func (b *Builder) WithSocialVerifier(v SocialVerifier) *Builder {
	b.social = v
	return b
}

// WithLogger sets the logger. The default discards everything.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides time.Now for every expiry decision, including token
// claims.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// -------- STORE --------
	st := b.store
	if st == nil {
		if b.redis == nil {
			return nil, errors.New("store or redis client required")
		}
		st = redisstore.New(b.redis, cfg.Store.RedisPrefix)
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- TOKENS --------
	method := jwt.SigningMethod(cfg.JWT.SigningMethod)
	verifyOnly := make([]jwt.Key, 0, len(cfg.JWT.VerifyKeys))
	for _, k := range cfg.JWT.VerifyKeys {
		vk := jwt.Key{ID: k.ID}
		if method == jwt.MethodHS256 {
			vk.Private = cloneBytes(k.Key)
		} else {
			vk.Public = cloneBytes(k.Key)
		}
		verifyOnly = append(verifyOnly, vk)
	}
	keys, err := jwt.NewKeySet(method, jwt.Key{
		ID:      cfg.JWT.KeyID,
		Private: cloneBytes(cfg.JWT.PrivateKey),
		Public:  cloneBytes(cfg.JWT.PublicKey),
	}, verifyOnly...)
	if err != nil {
		return nil, err
	}
	tokens, err := jwt.NewManager(keys, jwt.Config{
		Issuer:       cfg.JWT.Issuer,
		Audience:     cfg.JWT.Audience,
		Leeway:       cfg.JWT.Leeway,
		MaxFutureIAT: cfg.JWT.MaxFutureIAT,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}

	// -------- CREDENTIALS --------
	hasher := b.hasher
	if hasher == nil {
		ph, err := password.NewArgon2(password.Config{
			Memory:           cfg.Password.Memory,
			Time:             cfg.Password.Time,
			Parallelism:      cfg.Password.Parallelism,
			SaltLength:       cfg.Password.SaltLength,
			KeyLength:        cfg.Password.KeyLength,
			MinPasswordBytes: cfg.Password.MinLength,
		})
		if err != nil {
			return nil, err
		}
		hasher = ph
	}

	totp, err := newTOTPManager(cfg.TOTP)
	if err != nil {
		return nil, err
	}
	secrets, err := secretbox.New(cfg.TOTP.EncryptionKey)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:  cfg,
		store:   st,
		tokens:  tokens,
		hasher:  hasher,
		totp:    totp,
		secrets: secrets,
		mailer:  b.mailer,
		social:  b.social,
		recoveryLimiter: limiters.NewRecoveryLimiter(st, limiters.RecoveryConfig{
			MaxAttempts: cfg.Recovery.MaxAttempts,
			Window:      cfg.Recovery.AttemptWindow,
		}, now),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			MustDeliver: []string{
				auditEventRefreshReuseDetected,
				auditEventFamilyRevoked,
				auditEventSignInLocked,
				auditEventLogoutAll,
				auditEventPasswordChange,
				auditEventMFADisabled,
			},
		}, b.auditSink),
		metrics: NewMetrics(cfg.Metrics),
		logger:  logger,
		now:     now,
		newID:   internal.NewID,
	}
	engine.methods = newMFAMethods(engine)
	engine.flows = engine.buildFlowDeps()

	b.built = true
	return engine, nil
}
