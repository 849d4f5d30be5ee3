package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// KeyPair holds the RS256 signing material. Only the issuing process needs
// Private; verifiers can be built from Public alone.
type KeyPair struct {
	ID      string
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// LoadKeyPair reads PEM encoded keys from disk. publicPath may be empty, in which
// case the public half is derived from the private key.
func LoadKeyPair(kid, privatePath, publicPath string) (*KeyPair, error) {
	if kid == "" {
		return nil, errors.New("token key id (kid) is required")
	}
	if privatePath == "" {
		return nil, errors.New("token private key path is required")
	}
	rawPriv, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := parseRSAPrivate(rawPriv)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pub := &priv.PublicKey
	if publicPath != "" {
		rawPub, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pub, err = parseRSAPublic(rawPub)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		if pub.N.Cmp(priv.PublicKey.N) != 0 || pub.E != priv.PublicKey.E {
			return nil, errors.New("public key does not match private key")
		}
	}

	return &KeyPair{ID: kid, Private: priv, Public: pub}, nil
}

// GenerateKeyPair creates an in-memory key pair for local runs and tests.
// Tokens signed with it do not survive a restart.
func GenerateKeyPair(kid string, bits int) (*KeyPair, error) {
	if kid == "" {
		kid = "ephemeral-key-1"
	}
	if bits == 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &KeyPair{ID: kid, Private: priv, Public: &priv.PublicKey}, nil
}

// PublicJWKs renders the public key as a JWK set entry list.
func (k *KeyPair) PublicJWKs() []map[string]any {
	e := big.NewInt(int64(k.Public.E)).Bytes()
	n := k.Public.N.Bytes()

	return []map[string]any{
		{
			"kid": k.ID,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(n),
			"e":   base64.RawURLEncoding.EncodeToString(e),
		},
	}
}

func parseRSAPrivate(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("invalid private PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func parseRSAPublic(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
