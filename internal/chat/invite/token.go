// Package invite issues and resolves invite tokens.
//
// A token is an EdDSA-signed JWT carrying the target session id and the
// inviter's display name. Tokens are reusable: any number of joiners may
// present the same token, each triggering an idempotent join. A token has
// no lifecycle of its own; it stays valid until the session it points to
// expires.
package invite

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

// sessionIDShape matches the 26-character base32 ids this module generates.
// Tokens referencing anything else are rejected before any store call.
var sessionIDShape = regexp.MustCompile(`^[a-z2-7]{26}$`)

// reservedSessionIDs are degenerate values that must never appear in a
// token. The all-"a" string is the base32 encoding of sixteen zero bytes.
var reservedSessionIDs = map[string]struct{}{
	strings.Repeat("a", 26): {},
}

// TokenClaims captures the validated contents of an invite token.
type TokenClaims struct {
	SessionID   string
	InviterName string
	IssuedAt    time.Time
}

// tokenClaims is the internal claims type used for JWT parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID   string `json:"session_id"`
	InviterName string `json:"inviter_name"`
}

// IssuerConfig defines how invite tokens are signed.
type IssuerConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	Now      func() time.Time
}

// VerifierConfig defines how invite tokens are verified.
type VerifierConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

type issuerEnv struct {
	Issuer     string `env:"QUQUER_INVITE_ISSUER"`
	Audience   string `env:"QUQUER_INVITE_AUDIENCE"`
	PrivateKey string `env:"QUQUER_INVITE_PRIVATE_KEY"`
}

type verifierEnv struct {
	Issuer    string `env:"QUQUER_INVITE_ISSUER"`
	Audience  string `env:"QUQUER_INVITE_AUDIENCE"`
	PublicKey string `env:"QUQUER_INVITE_PUBLIC_KEY"`
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(value)
}

// LoadIssuerConfigFromEnv reads invite signing configuration.
func LoadIssuerConfigFromEnv(now func() time.Time) (IssuerConfig, error) {
	var raw issuerEnv
	if err := env.Parse(&raw); err != nil {
		return IssuerConfig{}, fmt.Errorf("parse invite issuer env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if issuer == "" {
		return IssuerConfig{}, fmt.Errorf("QUQUER_INVITE_ISSUER is required")
	}
	if audience == "" {
		return IssuerConfig{}, fmt.Errorf("QUQUER_INVITE_AUDIENCE is required")
	}
	if privateKey == "" {
		return IssuerConfig{}, fmt.Errorf("QUQUER_INVITE_PRIVATE_KEY is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return IssuerConfig{}, fmt.Errorf("decode invite private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return IssuerConfig{}, fmt.Errorf("invite private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return IssuerConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PrivateKey(keyBytes),
		Now:      now,
	}, nil
}

// LoadVerifierConfigFromEnv reads invite verification configuration.
func LoadVerifierConfigFromEnv(now func() time.Time) (VerifierConfig, error) {
	var raw verifierEnv
	if err := env.Parse(&raw); err != nil {
		return VerifierConfig{}, fmt.Errorf("parse invite verifier env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return VerifierConfig{}, fmt.Errorf("QUQUER_INVITE_ISSUER is required")
	}
	if audience == "" {
		return VerifierConfig{}, fmt.Errorf("QUQUER_INVITE_AUDIENCE is required")
	}
	if publicKey == "" {
		return VerifierConfig{}, fmt.Errorf("QUQUER_INVITE_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return VerifierConfig{}, fmt.Errorf("decode invite public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return VerifierConfig{}, fmt.Errorf("invite public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return VerifierConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// ValidateSessionID checks that an id has the expected shape and is not a
// reserved value. Cheap rejection before any network call.
func ValidateSessionID(sessionID string) error {
	if !sessionIDShape.MatchString(sessionID) {
		return apperrors.WithMetadata(apperrors.CodeInviteTokenInvalid,
			"invite session id has an unexpected shape",
			map[string]string{"SessionID": sessionID})
	}
	if _, reserved := reservedSessionIDs[sessionID]; reserved {
		return apperrors.New(apperrors.CodeInviteTokenInvalid, "invite session id is reserved")
	}
	return nil
}

// Issue signs an invite token for the session.
func Issue(sessionID, inviterName string, cfg IssuerConfig) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PrivateKeySize {
		return "", errors.New("invite issuer is not configured")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   cfg.Issuer,
			Audience: jwt.ClaimStrings{cfg.Audience},
			IssuedAt: jwt.NewNumericDate(now().UTC()),
		},
		SessionID:   sessionID,
		InviterName: strings.TrimSpace(inviterName),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign invite token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token's signature and claims without touching the
// store. Tokens carry no expiry; session expiry is checked at resolve time.
func ParseToken(token string, cfg VerifierConfig) (TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenClaims{}, apperrors.New(apperrors.CodeInviteTokenInvalid, "invite token is required")
	}
	if strings.Count(token, ".") != 2 {
		return TokenClaims{}, apperrors.New(apperrors.CodeInviteTokenInvalid, "invite token is malformed")
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return TokenClaims{}, errors.New("invite verifier is not configured")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return TokenClaims{}, apperrors.Wrap(apperrors.CodeInviteTokenInvalid, "invite token signature is invalid", err)
	}

	if parsed.Issuer != cfg.Issuer {
		return TokenClaims{}, apperrors.WithMetadata(apperrors.CodeInviteTokenMismatch,
			"invite token issuer mismatch",
			map[string]string{"Issuer": parsed.Issuer})
	}
	audienceMatch := false
	for _, audience := range parsed.Audience {
		if audience == cfg.Audience {
			audienceMatch = true
			break
		}
	}
	if !audienceMatch {
		return TokenClaims{}, apperrors.New(apperrors.CodeInviteTokenMismatch, "invite token audience mismatch")
	}

	sessionID := strings.TrimSpace(parsed.SessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return TokenClaims{}, err
	}

	claims := TokenClaims{
		SessionID:   sessionID,
		InviterName: strings.TrimSpace(parsed.InviterName),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}
