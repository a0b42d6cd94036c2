// Package auth signs and verifies session cookies and hashes passwords.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrExpiredSession = errors.New("session expired")
)

// Signer issues session values of the form "payload|signature", where the
// payload carries the user id and an expiry.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns a session value for userID valid for the signer's TTL.
func (s *Signer) Sign(userID int) string {
	payload := fmt.Sprintf("%d:%d", userID, s.now().Add(s.ttl).Unix())
	return base64.URLEncoding.EncodeToString([]byte(payload)) + "|" +
		base64.URLEncoding.EncodeToString(s.mac(payload))
}

// Verify checks the signature and expiry and returns the user id.
func (s *Signer) Verify(value string) (int, error) {
	payloadB64, sigB64, ok := strings.Cut(value, "|")
	if !ok {
		return 0, ErrInvalidSession
	}
	payloadBytes, err := base64.URLEncoding.DecodeString(payloadB64)
	if err != nil {
		return 0, ErrInvalidSession
	}
	sig, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil {
		return 0, ErrInvalidSession
	}
	payload := string(payloadBytes)
	if !hmac.Equal(sig, s.mac(payload)) {
		return 0, ErrInvalidSession
	}

	idStr, expStr, ok := strings.Cut(payload, ":")
	if !ok {
		return 0, ErrInvalidSession
	}
	userID, err := strconv.Atoi(idStr)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidSession
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return 0, ErrInvalidSession
	}
	if s.now().Unix() >= exp {
		return 0, ErrExpiredSession
	}
	return userID, nil
}

func (s *Signer) TTL() time.Duration { return s.ttl }

func (s *Signer) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
