package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthService issues and verifies device access tokens. A terminal
// exchanges its device id plus the store's enrollment secret for a JWT;
// everything else on the REST and socket surface requires that token.
type AuthService struct {
	secret           []byte
	expiry           time.Duration
	enrollSecretHash string
	now              func() time.Time
}

func NewAuthService(jwtSecret string, expiry time.Duration, enrollSecretHash string) *AuthService {
	return &AuthService{
		secret:           []byte(jwtSecret),
		expiry:           expiry,
		enrollSecretHash: enrollSecretHash,
		now:              time.Now,
	}
}

// HashEnrollSecret produces the bcrypt hash stored in configuration.
func HashEnrollSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash enrollment secret: %w", err)
	}
	return string(hash), nil
}

// IssueToken verifies the enrollment secret and returns a signed token
// for the device.
func (s *AuthService) IssueToken(deviceID, enrollSecret string) (string, error) {
	if deviceID == "" {
		return "", &ValidationError{Field: "device_id", Message: "must not be empty"}
	}
	if s.enrollSecretHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(s.enrollSecretHash), []byte(enrollSecret)); err != nil {
			return "", ErrInvalidCredentials
		}
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken returns the device id a valid token was issued to.
func (s *AuthService) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", errors.Join(ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}
