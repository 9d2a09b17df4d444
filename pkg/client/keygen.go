package client

import "github.com/jmerrifield20/sandcats/internal/identity"

// KeyPair is a self-signed client certificate and its key.
type KeyPair = identity.KeyPair

// GenerateKeyPair creates a fresh 4096-bit client certificate. Save it with
// SaveKeyPair; its Fingerprint is what the server records as the owner.
func GenerateKeyPair() (*KeyPair, error) {
	return identity.GenerateKeyPair("sandcats-client", 0)
}

// SaveKeyPair writes kp as client.crt and client.key in dir.
func SaveKeyPair(dir string, kp *KeyPair) error { return identity.SaveKeyPair(dir, kp) }

// LoadKeyPair reads a certificate and key from disk.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	return identity.LoadKeyPair(certPath, keyPath)
}
