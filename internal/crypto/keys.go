package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for PIN-derived keys.
const (
	Argon2Time    = 1
	Argon2Memory  = 64 * 1024 // KiB
	Argon2Threads = 4
	Argon2KeyLen  = 32
	SaltSize      = 32
)

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateSaltBase64 returns a random salt, base64 encoded.
func GenerateSaltBase64() (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveDeviceKey derives the key sealing a device's credentials from the
// PIN entered on the device. The device id is mixed in so one PIN yields
// different keys on different devices.
func DeriveDeviceKey(pin, deviceID string, salt []byte) ([]byte, error) {
	if pin == "" {
		return nil, fmt.Errorf("pin cannot be empty")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	input := []byte(pin + "\x00" + deviceID)
	return argon2.IDKey(input, salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen), nil
}

// DeriveDeviceKeyFromBase64Salt is DeriveDeviceKey with a base64 salt.
func DeriveDeviceKeyFromBase64Salt(pin, deviceID, saltBase64 string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return DeriveDeviceKey(pin, deviceID, salt)
}
