// Package auth verifies member bearer tokens. Accounts live upstream; the booking core trusts
// HS256 tokens signed with one of its configured secrets.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/training-booking/internal/common"
)

const rolesClaim = "roles"

// RoleAdmin grants the back-office routes (credit grants, ledger verification, invoice settlement).
const RoleAdmin = "admin"

// Claims is the verified content of an access token.
type Claims struct {
	UserID    string
	Roles     []string
	ExpiresAt time.Time
}

func (c Claims) HasRole(role string) bool { return slices.Contains(c.Roles, role) }

// Config configures token issuing. PreviousSecrets still verify tokens but never sign, so a
// secret can be rotated without logging members out.
type Config struct {
	Secret          string
	PreviousSecrets []string
	AccessTokenTTL  time.Duration
	Issuer          string
	Audience        string
	ClockSkew       time.Duration
}

// Service signs and verifies access tokens.
type Service struct {
	signing   jwk.Key
	keys      jwk.Set
	ttl       time.Duration
	now       func() time.Time
	validator TokenValidator
}

func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: secret is required")
	}
	keys := jwk.NewSet()
	signing, err := hmacKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if err := keys.AddKey(signing); err != nil {
		return nil, fmt.Errorf("auth: add signing key: %w", err)
	}
	for _, old := range cfg.PreviousSecrets {
		if strings.TrimSpace(old) == "" {
			continue
		}
		k, err := hmacKey(old)
		if err != nil {
			return nil, err
		}
		if err := keys.AddKey(k); err != nil {
			return nil, fmt.Errorf("auth: add previous key: %w", err)
		}
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "training-booking"
	}
	return &Service{
		signing: signing,
		keys:    keys,
		ttl:     ttl,
		now:     time.Now,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  strings.TrimSpace(cfg.Audience),
			ClockSkew: max(cfg.ClockSkew, 0),
			Algorithm: jwa.HS256,
		},
	}, nil
}

// hmacKey wraps secret as an HS256 key whose kid is derived from the secret.
func hmacKey(secret string) (jwk.Key, error) {
	raw := []byte(strings.TrimSpace(secret))
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("auth: hmac key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, common.Sha256Hex(string(raw))[:16]); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.HS256); err != nil {
		return nil, err
	}
	return key, nil
}

// WithNow swaps the clock used for issuing and validating.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IssueAccessToken signs a token for userID carrying roles. It backs the seeder's
// development tokens.
func (s *Service) IssueAccessToken(userID string, roles ...string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	b := jwt.NewBuilder().
		Subject(userID).
		Issuer(s.validator.Issuer).
		IssuedAt(now).
		NotBefore(now.Add(-s.validator.ClockSkew)).
		Expiration(exp)
	if s.validator.Audience != "" {
		b = b.Audience([]string{s.validator.Audience})
	}
	if len(roles) > 0 {
		b = b.Claim(rolesClaim, roles)
	}
	tok, err := b.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.signing))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), exp, nil
}

// ParseAccessToken verifies token against the key set and returns its claims. Every
// failure is a 401 AppError.
func (s *Service) ParseAccessToken(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, unauthorized("missing token", nil)
	}
	alg, err := signatureAlgorithm(token)
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	parsed, err := jwt.ParseString(token, jwt.WithKeySet(s.keys, jws.WithRequireKid(true)), jwt.WithValidate(false))
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if err := s.validator.Validate(parsed, alg, s.now()); err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if parsed.Subject() == "" {
		return Claims{}, unauthorized("invalid token", errors.New("auth: token has no subject"))
	}
	return Claims{UserID: parsed.Subject(), Roles: rolesOf(parsed), ExpiresAt: parsed.Expiration()}, nil
}

func unauthorized(message string, err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}

func rolesOf(tok jwt.Token) []string {
	raw, ok := tok.Get(rolesClaim)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// signatureAlgorithm reads the single alg every signature of token declares. "none" and
// mixed algorithms are refused.
func signatureAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	var alg jwa.SignatureAlgorithm
	for _, sig := range msg.Signatures() {
		h := sig.ProtectedHeaders()
		if h == nil || h.Algorithm() == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		switch {
		case h.Algorithm() == jwa.NoSignature:
			return "", errors.New("auth: token uses none algorithm")
		case alg == "":
			alg = h.Algorithm()
		case alg != h.Algorithm():
			return "", errors.New("auth: mixed token algorithms")
		}
	}
	if alg == "" {
		return "", errors.New("auth: token contains no signatures")
	}
	return alg, nil
}

// TokenValidator checks the registered claims and signing algorithm of a parsed token.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

func (v TokenValidator) Validate(tok jwt.Token, alg jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	if alg == "" {
		return errors.New("auth: token missing algorithm")
	}
	if v.Algorithm != "" && alg != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %s", alg)
	}
	opts := []jwt.ValidateOption{jwt.WithClock(jwt.ClockFunc(func() time.Time { return now }))}
	if v.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	return jwt.Validate(tok, opts...)
}
