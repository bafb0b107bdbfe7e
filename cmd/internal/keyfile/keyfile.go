// Package keyfile implements the PEM-style key import/export shared by
// the miner, blockgen, and txgen binaries.
package keyfile

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/gochain/ironledger/pkg/ckey"
)

const (
	privateKeyBlockType = "IRONLEDGER PRIVATE KEY"
	publicKeyBlockType  = "IRONLEDGER PUBLIC KEY"
)

// SavePrivateKey PEM-encodes priv's raw scalar bytes to path.
func SavePrivateKey(path string, priv *ckey.PrivateKey) error {
	block := &pem.Block{Type: privateKeyBlockType, Bytes: priv.Bytes()}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("keyfile: writing private key to %s: %w", path, err)
	}
	return nil
}

// LoadPrivateKey parses a PEM-encoded private key file written by
// SavePrivateKey.
func LoadPrivateKey(path string) (*ckey.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfile: reading %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privateKeyBlockType {
		return nil, fmt.Errorf("keyfile: %s is not a private key PEM file", path)
	}
	priv, err := ckey.PrivateKeyFromBytes(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyfile: parsing %s: %w", path, err)
	}
	return priv, nil
}

// SavePublicKey PEM-encodes pub's compressed point bytes to path.
func SavePublicKey(path string, pub *ckey.PublicKey) error {
	block := &pem.Block{Type: publicKeyBlockType, Bytes: pub.Bytes()}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0644); err != nil {
		return fmt.Errorf("keyfile: writing public key to %s: %w", path, err)
	}
	return nil
}

// LoadPublicKey parses a PEM-encoded public key file written by
// SavePublicKey.
func LoadPublicKey(path string) (*ckey.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfile: reading %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != publicKeyBlockType {
		return nil, fmt.Errorf("keyfile: %s is not a public key PEM file", path)
	}
	pub, err := ckey.PublicKeyFromBytes(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyfile: parsing %s: %w", path, err)
	}
	return pub, nil
}
