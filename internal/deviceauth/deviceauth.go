// Package deviceauth issues challenge nonces and verifies the
// RSA-PKCS1v15/SHA-256 signature a device returns over them, the same
// signature scheme the teacher's license parser uses to verify license
// payloads against a vendor public key.
package deviceauth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
)

// NonceSize is the number of random bytes in a challenge nonce, base64
// encoded on the wire (§4.2).
const NonceSize = 24

// CertificateLookup fetches a device's certificate PEM from the
// out-of-scope registry collaborator. Certificate lookups are never
// cached per §4.3's security posture.
type CertificateLookup interface {
	LookupCertificate(ctx context.Context, deviceID string) (pemBytes []byte, err error)
}

// Authenticator issues nonces and verifies device signatures.
type Authenticator struct {
	certs CertificateLookup
}

func New(certs CertificateLookup) *Authenticator {
	return &Authenticator{certs: certs}
}

// NewNonce is the method form of the package-level NewNonce, so
// Authenticator satisfies gwsession's nonce-minting interface.
func (a *Authenticator) NewNonce() (string, error) {
	return NewNonce()
}

// NewNonce returns NonceSize cryptographically random bytes, base64
// encoded for transport in a CHAL line.
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Verify checks sigB64 against the canonical message deviceId + "." +
// nonce, signed with RSA-PKCS1v15/SHA-256 by the private key matching
// the certificate the registry has on file for deviceId.
//
// Any fetch failure, missing certificate, malformed base64, or
// verification failure returns false, never an error — per §4.2 the
// authenticator must never throw.
func (a *Authenticator) Verify(ctx context.Context, deviceID, nonce, sigB64 string) bool {
	pubKey, err := a.loadPublicKey(ctx, deviceID)
	if err != nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	message := deviceID + "." + nonce
	hashed := sha256.Sum256([]byte(message))

	return rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, hashed[:], sig) == nil
}

func (a *Authenticator) loadPublicKey(ctx context.Context, deviceID string) (*rsa.PublicKey, error) {
	pemBytes, err := a.certs.LookupCertificate(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(pemBytes) == 0 {
		return nil, errors.New("deviceauth: empty certificate")
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("deviceauth: failed to decode PEM block")
	}

	var cert *x509.Certificate
	switch block.Type {
	case "CERTIFICATE":
		cert, err = x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("deviceauth: certificate key is not RSA")
		}
		return pub, nil
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("deviceauth: key is not RSA")
		}
		return rsaPub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, errors.New("deviceauth: unsupported PEM block type " + block.Type)
	}
}
