// Package auth derives device identities from SSH public keys.
package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the SHA256 fingerprint of key in the OpenSSH
// "SHA256:<base64>" form. It identifies the device that holds the key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// FingerprintEquals compares two fingerprints in constant time.
func FingerprintEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseAuthorizedKey parses one authorized_keys line and returns its
// fingerprint.
func ParseAuthorizedKey(line []byte) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return "", err
	}
	return Fingerprint(key), nil
}
