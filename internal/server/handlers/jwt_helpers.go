package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims identifies the actor and device behind a sync request.
type CustomClaims struct {
	ActorID  string `json:"actor_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds bearer token settings.
type JWTConfig struct {
	Secret         []byte
	Issuer         string
	AccessTokenTTL time.Duration
}

// GenerateAccessToken signs a device token. Tokens are normally issued by the
// identity service; this is used by the token command and tests.
func GenerateAccessToken(cfg JWTConfig, actorID, deviceID, role string) (string, int64, error) {
	if actorID == "" || deviceID == "" {
		return "", 0, errors.New("actor id and device id are required")
	}

	now := time.Now()
	expiresAt := now.Add(cfg.AccessTokenTTL)

	claims := CustomClaims{
		ActorID:  actorID,
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    cfg.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, int64(cfg.AccessTokenTTL.Seconds()), nil
}

// ValidateAccessToken verifies the signature, expiry and issuer of a token.
func ValidateAccessToken(cfg JWTConfig, tokenString string) (*CustomClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.ActorID == "" || claims.DeviceID == "" {
		return nil, errors.New("token has no actor or device")
	}

	return claims, nil
}
