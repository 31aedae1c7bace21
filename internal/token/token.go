// Package token implements the hub's JWT issuer/verifier subsystem:
// HS256-signed tokens carrying kind, role, and server_id claims, with
// distinct secrets for adapter and client kinds so that a leaked
// client-facing secret cannot mint adapter credentials.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes adapter tokens from client tokens.
type Kind string

const (
	KindAdapter Kind = "adapter"
	KindClient  Kind = "client"
)

// Role is the client role taxonomy: guest, player, admin, or system.
type Role string

const (
	RoleGuest  Role = "guest"
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// clockSkew is the tolerance allowed for not_before/expires_at comparisons.
const clockSkew = 60 * time.Second

// MinSecretLen is the floor on HMAC secret length; shorter secrets are a
// startup fatal error.
const MinSecretLen = 32

// ErrorKind enumerates the distinct failure modes Verify can report.
type ErrorKind string

const (
	ErrMalformed    ErrorKind = "Malformed"
	ErrBadSignature ErrorKind = "BadSignature"
	ErrExpired      ErrorKind = "Expired"
	ErrWrongKind    ErrorKind = "WrongKind"
	ErrMissingClaim ErrorKind = "MissingClaim"
)

// VerifyError wraps one of the ErrorKind values above.
type VerifyError struct {
	Kind ErrorKind
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("token: %s", e.Kind)
}

func (e *VerifyError) Unwrap() error { return e.Err }

func verifyErr(kind ErrorKind, err error) *VerifyError {
	return &VerifyError{Kind: kind, Err: err}
}

// Claims is the decoded, verified token content. Invariant: Kind ==
// client ⇒ Role is set; Kind == adapter ⇒ ServerID is set.
type Claims struct {
	Subject   string
	Kind      Kind
	Role      Role
	ServerID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Nonce     string
}

// claims is the JSON/JWT wire shape: sub, kind, role, server_id, iat,
// exp, jti.
type claims struct {
	jwt.RegisteredClaims
	Kind     Kind   `json:"kind"`
	Role     Role   `json:"role,omitempty"`
	ServerID string `json:"server_id,omitempty"`
}

// Service mints and verifies tokens using two independent HMAC secrets.
type Service struct {
	adapterSecret []byte
	clientSecret  []byte
}

// New constructs a Service. Secrets shorter than MinSecretLen are
// rejected; callers should treat this as a startup fatal error.
func New(adapterSecret, clientSecret string) (*Service, error) {
	if len(adapterSecret) < MinSecretLen {
		return nil, fmt.Errorf("token: adapter secret must be at least %d bytes", MinSecretLen)
	}
	if len(clientSecret) < MinSecretLen {
		return nil, fmt.Errorf("token: client secret must be at least %d bytes", MinSecretLen)
	}
	return &Service{
		adapterSecret: []byte(adapterSecret),
		clientSecret:  []byte(clientSecret),
	}, nil
}

func (s *Service) secretFor(kind Kind) []byte {
	if kind == KindAdapter {
		return s.adapterSecret
	}
	return s.clientSecret
}

// Mint produces a compact HS256 JWT for the given kind.
//
// For KindClient, roleOrServerID is the Role; for KindAdapter it is the
// server_id. Verify accepts the token until ttl plus the clock-skew
// tolerance has elapsed.
func (s *Service) Mint(kind Kind, roleOrServerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   roleOrServerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Kind: kind,
	}
	switch kind {
	case KindAdapter:
		c.ServerID = roleOrServerID
	case KindClient:
		c.Role = Role(roleOrServerID)
	default:
		return "", fmt.Errorf("token: unknown kind %q", kind)
	}

	signed := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return signed.SignedString(s.secretFor(kind))
}

// MintClaims mints with explicit claim fields, used when both a role and a
// subject (e.g. a username) need to be distinguished, or when minting an
// adapter token that also carries a human subject alongside server_id.
func (s *Service) MintClaims(kind Kind, subject string, role Role, serverID string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Kind:     kind,
		Role:     role,
		ServerID: serverID,
	}
	signed := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return signed.SignedString(s.secretFor(kind))
}

// Verify parses and validates a token, returning Claims on success or a
// *VerifyError with one of the taxonomy kinds on failure.
//
// The signing secret is selected by the token's own (unverified) kind
// claim, read inside the Keyfunc from the claims the parser has already
// populated by that point — not from expectedKind — so that a token of
// the wrong kind is checked against the secret it was actually signed
// with and fails on the kind comparison below (ErrWrongKind) rather than
// on the signature (ErrBadSignature) because it was checked against the
// other kind's secret.
func (s *Service) Verify(tokenString string, expectedKind Kind) (Claims, error) {
	switch expectedKind {
	case KindAdapter, KindClient:
	default:
		return Claims{}, verifyErr(ErrMalformed, fmt.Errorf("unknown expected kind %q", expectedKind))
	}

	parsed := &claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
	)

	_, err := parser.ParseWithClaims(tokenString, parsed, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*claims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type %T", t.Claims)
		}
		return s.secretFor(c.Kind), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, verifyErr(ErrExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, verifyErr(ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, verifyErr(ErrMalformed, err)
		default:
			return Claims{}, verifyErr(ErrMalformed, err)
		}
	}

	if parsed.Kind != expectedKind {
		return Claims{}, verifyErr(ErrWrongKind, fmt.Errorf("got %q want %q", parsed.Kind, expectedKind))
	}
	if parsed.Subject == "" {
		return Claims{}, verifyErr(ErrMissingClaim, errors.New("sub"))
	}
	if parsed.ExpiresAt == nil || parsed.IssuedAt == nil {
		return Claims{}, verifyErr(ErrMissingClaim, errors.New("iat/exp"))
	}
	if parsed.ID == "" {
		return Claims{}, verifyErr(ErrMissingClaim, errors.New("jti"))
	}

	switch expectedKind {
	case KindClient:
		if parsed.Role == "" {
			return Claims{}, verifyErr(ErrMissingClaim, errors.New("role"))
		}
	case KindAdapter:
		if parsed.ServerID == "" {
			return Claims{}, verifyErr(ErrMissingClaim, errors.New("server_id"))
		}
	}

	return Claims{
		Subject:   parsed.Subject,
		Kind:      parsed.Kind,
		Role:      parsed.Role,
		ServerID:  parsed.ServerID,
		IssuedAt:  parsed.IssuedAt.Time,
		ExpiresAt: parsed.ExpiresAt.Time,
		Nonce:     parsed.ID,
	}, nil
}
