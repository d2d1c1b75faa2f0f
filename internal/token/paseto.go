package token

import (
	"log/slog"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4Service struct {
	issuer     string
	defaultTTL time.Duration
	clockSkew  time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Service builds a Service based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and expiration
// rules. When no secret key is configured an ephemeral key is generated and
// logged, so dev instances and tests work out of the box while a restart
// invalidates all outstanding tokens.
func NewPasetoV4Service(cfg Config, log *slog.Logger) (Service, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, ErrConfig
	}
	if cfg.DefaultTTL <= 0 {
		return nil, ErrConfig
	}

	var secret paseto.V4AsymmetricSecretKey
	if cfg.SecretKeyHex == "" {
		secret = paseto.NewV4AsymmetricSecretKey()
		if log != nil {
			log.Warn("token.ephemeral_key", "issuer", cfg.Issuer)
		}
	} else {
		var err error
		secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
	}

	return &pasetoV4Service{
		issuer:     cfg.Issuer,
		defaultTTL: cfg.DefaultTTL,
		clockSkew:  cfg.ClockSkew,
		secret:     secret,
		public:     secret.Public(),
	}, nil
}

// PublicKeyHex exposes the verification key for out-of-process verifiers.
func (s *pasetoV4Service) PublicKeyHex() string {
	return s.public.ExportHex()
}

func (s *pasetoV4Service) Issue(id Identity, capabilities []string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(id.SubjectID) == "" {
		return "", time.Time{}, ErrConfig
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exp := now.Add(ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("sub", id.SubjectID)
	_ = tok.Set("name", id.DisplayName)
	_ = tok.Set("email", id.Email)
	_ = tok.Set("cap", capabilities)

	signed := tok.V4Sign(s.secret, nil)
	return signed, exp, nil
}

func (s *pasetoV4Service) Verify(token string, now time.Time) (Claims, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Build a fresh parser per call to avoid accumulating rules across
	// verifies. Expiry is checked manually below so that expired and
	// malformed tokens yield distinct errors.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(s.issuer))

	parsed, err := p.ParseV4Public(s.public, token, nil)
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}
	iat, err := parsed.GetIssuedAt()
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}

	sub, err := parsed.GetString("sub")
	if err != nil || strings.TrimSpace(sub) == "" {
		return Claims{}, ErrTokenMalformed
	}
	name, _ := parsed.GetString("name")
	email, _ := parsed.GetString("email")

	var caps []string
	if err := parsed.Get("cap", &caps); err != nil {
		return Claims{}, ErrTokenMalformed
	}

	// Validate slightly in the future to tolerate clock differences. This
	// makes expiration strictly earlier, never later.
	if !now.Add(s.clockSkew).Before(exp) {
		return Claims{}, ErrTokenExpired
	}

	return Claims{
		Identity: Identity{
			SubjectID:   sub,
			DisplayName: name,
			Email:       email,
		},
		Capabilities: caps,
		IssuedAt:     iat,
		ExpiresAt:    exp,
	}, nil
}
