package approvals

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gopkg.in/yaml.v3"
)

var (
	// ErrTOTPRequired is returned when a decision carries no code.
	ErrTOTPRequired = errors.New("totp code required")
	// ErrTOTPInvalid covers unknown approvers, wrong codes and replays.
	ErrTOTPInvalid = errors.New("invalid totp code")
)

// replayWindow covers the current period plus one period of skew each way.
const replayWindow = 90 * time.Second

// GenerateTOTPSecret returns a new 160-bit secret encoded as base32.
func GenerateTOTPSecret() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(secret), nil
}

// FormatTOTPURI creates an otpauth:// URI for an approver.
func FormatTOTPURI(approverID, secret string) string {
	return fmt.Sprintf("otpauth://totp/agentgate:%s?secret=%s&issuer=agentgate", approverID, secret)
}

// WriteTOTPSetup prints a QR code for the approver's authenticator app
// followed by the secrets-file line to add.
func WriteTOTPSetup(w io.Writer, approverID, secret string) error {
	qr, err := qrcode.New(FormatTOTPURI(approverID, secret), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}
	fmt.Fprintf(w, "Scan with an authenticator app to enroll %s:\n\n", approverID)
	for _, line := range strings.Split(qr.ToSmallString(false), "\n") {
		if line != "" {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintf(w, "\nOr enter the secret manually: %s\n\n", secret)
	fmt.Fprintln(w, "Add to the approvals.totp.secrets_file:")
	fmt.Fprintf(w, "%s: %s\n", approverID, secret)
	return nil
}

// TOTPVerifier checks step-up codes for human decisions. A code accepted for
// an approver is not accepted again for that approver within the skew window.
type TOTPVerifier struct {
	mu      sync.Mutex
	secrets map[string]string
	used    map[string]time.Time
	now     func() time.Time
}

// NewTOTPVerifier verifies codes against secrets keyed by approver id.
func NewTOTPVerifier(secrets map[string]string) *TOTPVerifier {
	s := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		s[id] = normalizeSecret(secret)
	}
	return &TOTPVerifier{secrets: s, used: make(map[string]time.Time), now: time.Now}
}

// LoadTOTPVerifier reads a YAML map of approver id to base32 secret.
func LoadTOTPVerifier(path string) (*TOTPVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read totp secrets: %w", err)
	}
	var secrets map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parse totp secrets: %w", err)
	}
	for id, secret := range secrets {
		if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(normalizeSecret(secret), "=")); err != nil {
			return nil, fmt.Errorf("totp secret for %q is not base32", id)
		}
	}
	return NewTOTPVerifier(secrets), nil
}

func normalizeSecret(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

// Enrolled reports whether approverID has a secret.
func (v *TOTPVerifier) Enrolled(approverID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.secrets[approverID]
	return ok
}

// Verify checks code for approverID and records it as used.
func (v *TOTPVerifier) Verify(approverID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrTOTPRequired
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.secrets[approverID]
	if !ok {
		return ErrTOTPInvalid
	}
	now := v.now()
	for k, at := range v.used {
		if now.Sub(at) > replayWindow {
			delete(v.used, k)
		}
	}
	key := approverID + ":" + code
	if _, seen := v.used[key]; seen {
		return ErrTOTPInvalid
	}
	valid, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return ErrTOTPInvalid
	}
	v.used[key] = now
	return nil
}
