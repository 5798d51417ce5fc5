// Package auth validates bearer credentials presented to the gateway.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredential is returned when no usable "Authorization: Bearer <token>"
	// header is present.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidCredential is returned when a bearer token is present but
	// matches no configured credential.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Reason returns the machine-readable rejection reason for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	default:
		return ""
	}
}

// Principal identifies who a validated credential belongs to.
type Principal struct {
	Subject string
	Method  string // "static", "pattern" or "jwt"
}

type Config struct {
	// Tokens maps a bearer token to its subject.
	Tokens    map[string]string
	Pattern   string
	JWTSecret string
	JWTIssuer string
}

// Validator checks bearer tokens against a static allow-list, an optional
// pattern and optional HS256 JWTs. It holds no mutable state and is safe for
// concurrent use.
type Validator struct {
	tokens    map[string]string // sha256(token) -> subject
	pattern   *regexp.Regexp
	jwtSecret []byte
	jwtIssuer string
}

func NewValidator(cfg Config) (*Validator, error) {
	v := &Validator{
		tokens:    make(map[string]string, len(cfg.Tokens)),
		jwtIssuer: cfg.JWTIssuer,
	}

	for token, subject := range cfg.Tokens {
		if token == "" {
			return nil, errors.New("empty token in allow-list")
		}
		v.tokens[hashToken(token)] = subject
	}

	if cfg.Pattern != "" {
		re, err := regexp.Compile("^(?:" + cfg.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("compile token pattern: %w", err)
		}
		v.pattern = re
	}

	if cfg.JWTSecret != "" {
		v.jwtSecret = []byte(cfg.JWTSecret)
	}

	if len(v.tokens) == 0 && v.pattern == nil && v.jwtSecret == nil {
		return nil, errors.New("validator needs at least one credential source")
	}

	return v, nil
}

// Validate checks the raw Authorization header value.
func (v *Validator) Validate(authorization string) (Principal, error) {
	token, ok := ParseBearer(authorization)
	if !ok {
		return Principal{}, ErrMissingCredential
	}

	hash := hashToken(token)
	if subject, ok := v.tokens[hash]; ok {
		return Principal{Subject: subject, Method: "static"}, nil
	}

	if v.pattern != nil && v.pattern.MatchString(token) {
		// Pattern tokens have no configured subject; a digest keeps each
		// credential distinct without exposing it.
		return Principal{Subject: "pattern:" + hash[:12], Method: "pattern"}, nil
	}

	if v.jwtSecret != nil && strings.Count(token, ".") == 2 {
		if subject, err := v.validateJWT(token); err == nil {
			return Principal{Subject: subject, Method: "jwt"}, nil
		}
	}

	return Principal{}, ErrInvalidCredential
}

func (v *Validator) validateJWT(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.jwtIssuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verifying signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// ParseBearer extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively.
func ParseBearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
