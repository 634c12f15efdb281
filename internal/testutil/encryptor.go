package testutil

import (
	"preserve-go/internal/encryption"
	"preserve-go/internal/pillar"
	"preserve-go/internal/pv"
)

// NewTestEncryptedPillar wraps a memory pillar with the fake encryptor, so
// tests see the encrypted code path without key material.
func NewTestEncryptedPillar(id string) (*pillar.EncryptedPillar, *pillar.MemoryPillar) {
	inner := pillar.NewMemoryPillar(id)
	enc := encryption.NewFakeEncryptor()
	dec, _ := enc.Unlock("")
	return pillar.NewEncryptedPillar(inner, enc, dec), inner
}

var _ pv.Pillar = (*pillar.EncryptedPillar)(nil)
