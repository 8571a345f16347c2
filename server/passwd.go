package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// hashPassword derives a salted scrypt hash, stored as "salt:hash" hex.
func hashPassword(password string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt := hex.EncodeToString(buf)

	dk, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}

	return salt + ":" + hex.EncodeToString(dk), nil
}

func verifyPassword(storedHash, password string) error {
	salt, wantHex, found := strings.Cut(storedHash, ":")
	if !found {
		return ErrInvalidCredentials
	}

	dk, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return err
	}

	got := make([]byte, hex.EncodedLen(len(dk)))
	hex.Encode(got, dk)

	if subtle.ConstantTimeCompare([]byte(wantHex), got) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
