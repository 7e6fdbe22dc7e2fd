// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltsserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth issues and validates the HS256 bearer tokens this reference
// server's tests exchange. The claim set carries only app_id; the sync
// protocol has no per-device identity beyond that.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth builds a TokenAuth over secret.
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Claims is this server's JWT claim set.
type Claims struct {
	AppID string `json:"app_id"`
	jwt.RegisteredClaims
}

// IssueToken mints a short-lived bearer token for appID.
func (a *TokenAuth) IssueToken(appID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		AppID: appID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "ltsserver",
			Subject:   appID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Authenticate validates the Authorization header on r, returning an
// error suitable for a 401 response on failure.
func (a *TokenAuth) Authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return nil, fmt.Errorf("bearer token required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
