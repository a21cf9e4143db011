package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/c360/seatstream/connpool"
	"github.com/c360/seatstream/errors"
)

// hmacVerifier validates tokens of the form "<userID>.<hex signature>" where
// the signature is HMAC-SHA256 of the user id under a shared secret. The
// admin backend that issues tokens holds the same secret.
type hmacVerifier struct {
	secret []byte
}

func newHMACVerifier(secret string) *hmacVerifier {
	return &hmacVerifier{secret: []byte(secret)}
}

func (v *hmacVerifier) Verify(_ context.Context, token string) (connpool.Credentials, error) {
	userID, signature, ok := strings.Cut(token, ".")
	if !ok || userID == "" {
		return connpool.Credentials{}, errors.ErrAuthFailed
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return connpool.Credentials{}, errors.ErrAuthFailed
	}

	return connpool.Credentials{UserID: userID, Scope: []string{connpool.ScopeSubscribe}}, nil
}

func (v *hmacVerifier) HasPermission(creds connpool.Credentials, scope string) bool {
	for _, s := range creds.Scope {
		if s == scope {
			return true
		}
	}
	return false
}
