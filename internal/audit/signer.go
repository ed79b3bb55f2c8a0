package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Signer handles HMAC-SHA256 signing of activity log entries. The key
// lives next to the database with owner-only permissions.
type Signer struct {
	key []byte
}

// NewSigner loads the signing key from dataDir, generating one on
// first run. An empty dataDir disables signing.
func NewSigner(dataDir string) (*Signer, error) {
	if dataDir == "" {
		log.Warn().Msg("No data directory, activity log signing disabled")
		return &Signer{key: nil}, nil
	}

	keyPath := filepath.Join(dataDir, ".activity-signing.key")

	if encoded, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(string(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode activity signing key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid activity signing key length: got %d, want 32", len(key))
		}
		log.Debug().Msg("Loaded existing activity signing key")
		return &Signer{key: key}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate activity signing key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create directory for activity signing key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("save activity signing key: %w", err)
	}

	log.Info().Msg("Generated new activity signing key")
	return &Signer{key: key}, nil
}

// Sign computes the hex HMAC-SHA256 over the entry's canonical form.
// Returns empty string when signing is disabled.
func (s *Signer) Sign(entry Entry) string {
	if s.key == nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonicalForm(entry)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the entry's signature matches its content.
func (s *Signer) Verify(entry Entry) bool {
	if s.key == nil || entry.Signature == "" {
		return false
	}
	expected := s.Sign(entry)
	return hmac.Equal([]byte(expected), []byte(entry.Signature))
}

// SigningEnabled reports whether a key is loaded.
func (s *Signer) SigningEnabled() bool {
	return s.key != nil
}

// canonicalForm is the deterministic representation signed for each
// entry: ID|Timestamp(Unix)|Actor|Action|TargetType|TargetID|IP|Details
func canonicalForm(entry Entry) string {
	return entry.ID + "|" +
		strconv.FormatInt(entry.Timestamp.Unix(), 10) + "|" +
		entry.Actor + "|" +
		entry.Action + "|" +
		entry.TargetType + "|" +
		entry.TargetID + "|" +
		entry.IP + "|" +
		entry.Details
}
