package keypool

import (
	"errors"
	"strings"
)

var (
	ErrNoKeys                  = errors.New("keypool: no credentials configured")
	ErrNoHealthyCredentials    = errors.New("keypool: no healthy credentials")
	ErrInvalidKeyFormat        = errors.New("keypool: invalid key format")
	ErrDuplicateKey            = errors.New("keypool: key already present")
	ErrKeyNotFound             = errors.New("keypool: key not found")
	ErrAmbiguousSuffix         = errors.New("keypool: suffix matches more than one key")
	ErrLastHealthyKeyProtected = errors.New("keypool: refusing to remove the last healthy key")
)

// Class separates failures that disable a credential at once from those
// that only count towards the threshold.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// permanenter is implemented by errors that know whether the credential
// itself is at fault (see upstream.APIError).
type permanenter interface {
	Permanent() bool
}

var permanentSignals = []string{
	"api key not valid",
	"api_key_invalid",
	"invalid api key",
	"permission denied",
	"permission_denied",
	"unauthorized",
	"unauthenticated",
	"forbidden",
	"revoked",
	"suspended",
	"has been disabled",
}

// Classify prefers a structured signal and falls back to message matching.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var p permanenter
	if errors.As(err, &p) {
		if p.Permanent() {
			return Permanent
		}
		return Transient
	}
	msg := strings.ToLower(err.Error())
	for _, s := range permanentSignals {
		if strings.Contains(msg, s) {
			return Permanent
		}
	}
	return Transient
}
