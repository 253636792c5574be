package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

// Claims are the identity claims of a bearer token.
type Claims struct {
	UserID string `json:"userId"`
	jwt.StandardClaims
}

// Authenticator verifies HS256 bearer tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:         userID,
		StandardClaims: jwt.StandardClaims{ExpiresAt: time.Now().Add(ttl).Unix(), IssuedAt: time.Now().Unix()},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to create token")
	}
	return s, nil
}

func (a *Authenticator) verify(tokenStr string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", errors.New("token has no userId claim")
	}
	return claims.UserID, nil
}

// Require rejects requests without a valid bearer token and stores the
// caller's user id in the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeJSON(w, http.StatusUnauthorized, response{Message: "Authentication required"})
			return
		}
		userID, err := a.verify(tokenStr)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, response{Message: "Invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// UserID returns the authenticated caller, if any.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
