package acceptance

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/agentctl/hub/internal/core"
)

// SpecHash computes a stable SHA3-256 content hash of a handoff
// payload. Field order is fixed by the struct, so the JSON encoding is
// canonical for our purposes.
func SpecHash(p *core.HandoffPayload) string {
	data, err := json.Marshal(p)
	if err != nil {
		// Payload structs always marshal; keep the signature simple.
		data = []byte("{}")
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Issuer signs verification receipts with the per-daemon secret.
type Issuer struct {
	secret   []byte
	verifier string
}

// NewIssuer creates a receipt issuer identified as verifier.
func NewIssuer(secret []byte, verifier string) *Issuer {
	return &Issuer{secret: secret, verifier: verifier}
}

// Issue builds and signs a receipt binding the verdict to specHash.
func (i *Issuer) Issue(taskID, specHash, verdict string) core.VerificationReceipt {
	issuedAt := time.Now().UTC()
	return core.VerificationReceipt{
		TaskID:    taskID,
		Verifier:  i.verifier,
		Verdict:   verdict,
		SpecHash:  specHash,
		Signature: i.sign(taskID, specHash, verdict, issuedAt),
		IssuedAt:  issuedAt,
		Passed:    verdict == string(core.StatusAccepted),
	}
}

// Verify checks a receipt's signature against the issuer secret.
func (i *Issuer) Verify(r core.VerificationReceipt) bool {
	expected := i.sign(r.TaskID, r.SpecHash, r.Verdict, r.IssuedAt)
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}

func (i *Issuer) sign(taskID, specHash, verdict string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, i.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", taskID, specHash, verdict, issuedAt.Format(time.RFC3339Nano))
	return hex.EncodeToString(mac.Sum(nil))
}

// LoadSecret reads (or creates) the per-daemon signing secret at
// <base>/daemon.secret, owner-only.
func LoadSecret(baseDir string) ([]byte, error) {
	path := filepath.Join(baseDir, "daemon.secret")

	data, err := os.ReadFile(path)
	if err == nil && len(data) >= 32 {
		return bytes.TrimSpace(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, err
	}
	secret := []byte(hex.EncodeToString(raw[:]))
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}
