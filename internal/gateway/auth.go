package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates a missing or invalid bearer credential.
var ErrUnauthorized = errors.New("invalid authentication token")

const bearerPrefix = "Bearer "

// Authenticator validates the bearer credential presented on the HTTP auth
// handshake and again on the websocket connect. Two modes: a static shared
// token, or HS256 JWT validation when a signing secret is configured. JWT
// mode wins when both are set.
type Authenticator struct {
	token     string
	jwtSecret []byte
	jwtIssuer string
}

// NewAuthenticator creates an authenticator from the auth configuration.
func NewAuthenticator(config AuthConfig) *Authenticator {
	return &Authenticator{
		token:     config.Token,
		jwtSecret: []byte(config.JWT.SecretKey),
		jwtIssuer: config.JWT.Issuer,
	}
}

// VerifyHeader checks a raw Authorization header value.
func (a *Authenticator) VerifyHeader(header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return fmt.Errorf("%w: authorization header must start with 'Bearer '", ErrUnauthorized)
	}

	return a.VerifyToken(header[len(bearerPrefix):])
}

// VerifyToken checks a bare credential string.
func (a *Authenticator) VerifyToken(token string) error {
	if len(a.jwtSecret) > 0 {
		return a.verifyJWT(token)
	}

	if a.token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// verifyJWT validates an HS256 token and its issuer claim
func (a *Authenticator) verifyJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithIssuer(a.jwtIssuer), jwt.WithExpirationRequired())

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return ErrUnauthorized
	}

	return nil
}
