package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type is the embedded use marker distinguishing token classes. Verify
// rejects a structurally valid token presented for the wrong class.
type Type string

const (
	// TypeAccess marks short-lived bearer tokens verified on every request.
	TypeAccess Type = "access"
	// TypeRefresh marks signed refresh-grant tokens. The ledger's opaque
	// tokens are the default transport; this class exists for deployments
	// that need self-describing refresh grants.
	TypeRefresh Type = "refresh"
)

// SigningMethod selects the signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 is the default signing method.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 is the symmetric-key alternative.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrExpired is returned when the token's exp claim is in the past.
	ErrExpired = errors.New("token expired")
	// ErrMalformed is returned when the token cannot be parsed at all.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned when the signature does not verify.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrClaimMismatch is returned when the use marker does not match the
	// expected token class, or a registered claim fails validation.
	ErrClaimMismatch = errors.New("token claim mismatch")
)

// Claims is the payload carried by signed tokens. SubjectID, IssuedAt and
// ExpiresAt ride in the registered claims; the rest are private claims
// with compact names.
type Claims struct {
	Email       string `json:"eml,omitempty"`
	Role        string `json:"rol,omitempty"`
	DisplayName string `json:"dnm,omitempty"`
	SessionID   string `json:"sid"`
	MFAVerified bool   `json:"mfa,omitempty"`
	Use         Type   `json:"use"`
	jwt.RegisteredClaims
}

// SubjectID returns the principal the token was issued for.
func (c *Claims) SubjectID() string {
	return c.Subject
}

// TokenID returns the per-token unique identifier (jti).
func (c *Claims) TokenID() string {
	return c.ID
}

// Config holds codec key material and validation tuning.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// Codec signs and verifies tokens. Safe for concurrent use after
// construction.
type Codec struct {
	config Config
}

// NewCodec validates key material up front so signing failures surface at
// build time, not on the first login.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Codec{config: cfg}, nil
}

// Issue signs claims as a token of the given class with the given TTL.
// The use marker and registered time claims are set here; any values the
// caller put in them are overwritten.
func (c *Codec) Issue(claims Claims, use Type, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("invalid token ttl")
	}

	now := time.Now()
	claims.Use = use
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if c.config.Issuer != "" {
		claims.Issuer = c.config.Issuer
	}

	tok := jwt.NewWithClaims(c.method(), claims)

	key, err := c.signKey()
	if err != nil {
		return "", err
	}

	return tok.SignedString(key)
}

// Verify parses and validates a token and checks its use marker against
// the expected class. Signature comparison inside the jwt library is
// constant-time for both supported methods.
func (c *Codec) Verify(tokenStr string, expected Type) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != c.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return c.verifyKey()
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrMalformed
	}
	if claims.Use != expected {
		return nil, ErrClaimMismatch
	}

	return claims, nil
}

// classifyParseError collapses the jwt library's error chain into the
// codec's taxonomy. Expiry is checked before signature state in the chain,
// so an expired-but-valid token reports ErrExpired.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrClaimMismatch
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ErrClaimMismatch
	default:
		return ErrMalformed
	}
}

func (c *Codec) method() jwt.SigningMethod {
	switch c.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (c *Codec) signKey() (interface{}, error) {
	switch c.config.SigningMethod {
	case MethodHS256:
		return c.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(c.config.PrivateKey)
	}
}

func (c *Codec) verifyKey() (interface{}, error) {
	switch c.config.SigningMethod {
	case MethodHS256:
		return c.config.PrivateKey, nil
	default:
		return parseEdPublicKey(c.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
