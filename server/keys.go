package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// SigningKeys holds the RSA keys the dev identity provider signs id_tokens with.
type SigningKeys struct {
	mu        sync.RWMutex
	current   *rsa.PrivateKey
	kid       string
	storePath string
	logger    *slog.Logger
}

// NewSigningKeys loads keys from storePath or generates and persists a new pair.
// An empty storePath keeps the key in memory only.
func NewSigningKeys(storePath string, logger *slog.Logger) (*SigningKeys, error) {
	k := &SigningKeys{storePath: storePath, logger: logger}

	if storePath != "" {
		if err := k.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}
	if k.current == nil {
		if err := k.Rotate(); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Sign signs claims with RS256 and stamps the kid header.
func (k *SigningKeys) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.kid
	return token.SignedString(k.current)
}

// KeyID returns the identifier of the active key.
func (k *SigningKeys) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.kid
}

// PublicJWKS exposes the public half for the JWKS endpoint.
func (k *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.current.PublicKey,
		KeyID:     k.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// Rotate replaces the active key. Previously issued tokens stop verifying.
func (k *SigningKeys) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}

	k.mu.Lock()
	k.current = key
	k.kid = randomKID()
	k.mu.Unlock()

	if k.storePath != "" {
		if err := k.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (k *SigningKeys) persist() error {
	k.mu.RLock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       k.current,
		KeyID:     k.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	k.mu.RUnlock()

	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(k.storePath, payload, 0o600)
}

func (k *SigningKeys) loadFromDisk() error {
	payload, err := os.ReadFile(k.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	for _, key := range set.Keys {
		if priv, ok := key.Key.(*rsa.PrivateKey); ok {
			k.current = priv
			k.kid = key.KeyID
			if k.logger != nil {
				k.logger.Debug("loaded signing key", "kid", key.KeyID, "path", k.storePath)
			}
			return nil
		}
	}
	return errors.New("no rsa private key in jwks file")
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
