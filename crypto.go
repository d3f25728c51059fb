package logchain

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// PublicKeySize is the size in bytes of an Ed25519 public key.
const PublicKeySize = ed25519.PublicKeySize

// SignatureSize is the size in bytes of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// GenerateKeypair creates a fresh Ed25519 agent identity.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// SignBatchHash signs the 32-byte batch hash. Signatures always cover the
// hash, never the canonical bytes themselves.
func SignBatchHash(priv ed25519.PrivateKey, h Hash) []byte {
	return ed25519.Sign(priv, h[:])
}

// VerifyBatchSignature checks sig over the batch hash under pub.
// A failed verification is a value result; only malformed key or signature
// material is an error (a client-side defect, not a cryptographic outcome).
func VerifyBatchSignature(pub []byte, h Hash, sig []byte) (bool, error) {
	if len(pub) != PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(pub))
	}
	if len(sig) != SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), h[:], sig), nil
}

// SignRotation produces the rotation attestation: the new public key bytes
// signed by the key being retired.
func SignRotation(oldPriv ed25519.PrivateKey, newPub ed25519.PublicKey) []byte {
	return ed25519.Sign(oldPriv, newPub)
}

// VerifyRotation checks that sig attests newPub under oldPub.
func VerifyRotation(oldPub, newPub, sig []byte) (bool, error) {
	if len(oldPub) != PublicKeySize {
		return false, fmt.Errorf("current key must be %d bytes, got %d", PublicKeySize, len(oldPub))
	}
	if len(newPub) != PublicKeySize {
		return false, fmt.Errorf("new key must be %d bytes, got %d", PublicKeySize, len(newPub))
	}
	if len(sig) != SignatureSize {
		return false, fmt.Errorf("rotation signature must be %d bytes, got %d", SignatureSize, len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(oldPub), newPub, sig), nil
}
