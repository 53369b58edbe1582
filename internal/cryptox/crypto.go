// Package cryptox derives the login key material shared by client and server.
// The server only ever sees the verifier, never the password or master key.
package cryptox

import (
	"crypto/sha256"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of a freshly generated account salt.
const SaltSize = 32

// NewSalt returns a random account salt.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// DeriveMasterKey stretches password with argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

// MakeVerifier hashes a master key into the value stored server-side and in
// the offline login cache.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}
