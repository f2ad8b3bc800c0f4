// Package auth decides whether a session token presented in the hello is
// admitted. It holds no storage and makes no policy decisions beyond that.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a session token.
type Validator interface {
	Validate(token string) error
}

// StaticToken admits exactly one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// TokenSet admits any of several tokens, so a node can rotate credentials
// without dropping dispatchers still holding the old one.
type TokenSet []StaticToken

func (s TokenSet) Validate(token string) error {
	ok := false
	// Every entry is compared so timing does not reveal the matching index.
	for _, t := range s {
		if t.Validate(token) == nil {
			ok = true
		}
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// FromTokens builds a validator over the non-blank tokens. It returns nil,
// meaning open admission, when none are configured.
func FromTokens(tokens []string) Validator {
	var set TokenSet
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			set = append(set, StaticToken{Token: tok})
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
