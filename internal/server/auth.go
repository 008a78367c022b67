package server

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

const nonceTTL = 2 * time.Minute

// Auth implements the admin handshake: the caller fetches a nonce, signs it
// with an allow-listed ed25519 key, and presents pubkey + nonce + detached
// signature on each privileged request. Nonces are single-use.
type Auth struct {
	mu      sync.Mutex
	nonces  map[string]time.Time
	allowed map[string]bool
}

// NewAuth creates an authenticator for the given base58 admin pubkeys
func NewAuth(adminPubkeys []string) *Auth {
	allowed := make(map[string]bool, len(adminPubkeys))
	for _, pk := range adminPubkeys {
		allowed[pk] = true
	}
	return &Auth{
		nonces:  make(map[string]time.Time),
		allowed: allowed,
	}
}

// IssueNonce returns a fresh single-use nonce
func (a *Auth) IssueNonce() string {
	nonce := uuid.New().String()

	a.mu.Lock()
	now := time.Now()
	a.nonces[nonce] = now
	for n, issued := range a.nonces {
		if now.Sub(issued) > nonceTTL {
			delete(a.nonces, n)
		}
	}
	a.mu.Unlock()

	return nonce
}

// Verify checks an allow-listed pubkey's detached signature over a live
// nonce, consuming the nonce.
func (a *Auth) Verify(pubkeyB58, nonce, signatureB58 string) error {
	if !a.allowed[pubkeyB58] {
		return fmt.Errorf("pubkey not on allow-list")
	}

	a.mu.Lock()
	issued, ok := a.nonces[nonce]
	if ok {
		delete(a.nonces, nonce)
	}
	a.mu.Unlock()
	if !ok || time.Since(issued) > nonceTTL {
		return fmt.Errorf("unknown or expired nonce")
	}

	if !VerifyDetached(pubkeyB58, []byte(nonce), signatureB58) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Middleware authenticates privileged routes via request headers
func (a *Auth) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		pubkey := c.Get("x-admin-pubkey")
		nonce := c.Get("x-admin-nonce")
		sig := c.Get("x-admin-signature")
		if pubkey == "" || nonce == "" || sig == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth headers"})
		}

		if err := a.Verify(pubkey, nonce, sig); err != nil {
			log.Warn().Err(err).Str("pubkey", pubkey).Str("path", c.Path()).Msg("admin auth rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

// VerifyDetached checks a base58 ed25519 signature over a message
func VerifyDetached(pubkeyB58 string, message []byte, signatureB58 string) bool {
	pubkey, err := base58.Decode(pubkeyB58)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base58.Decode(signatureB58)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), message, sig)
}
