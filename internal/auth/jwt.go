package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret    []byte
	Algorithm string
	TTL       time.Duration
}

func (c *JWTConfig) method() jwt.SigningMethod {
	if c.Algorithm == "" {
		return jwt.SigningMethodHS256
	}
	if m := jwt.GetSigningMethod(c.Algorithm); m != nil {
		return m
	}
	return jwt.SigningMethodHS256
}

// GenerateToken creates a signed token whose subject is the user ID.
func GenerateToken(cfg *JWTConfig, userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(cfg.method(), claims)
	return token.SignedString(cfg.Secret)
}

// ValidateToken checks signature, algorithm and expiry, and returns the numeric subject.
func ValidateToken(cfg *JWTConfig, tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, errors.New("missing token")
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{cfg.method().Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return 0, errors.New("invalid token claims")
	}

	if claims.Subject == "" {
		return 0, errors.New("missing subject")
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}

	return userID, nil
}
