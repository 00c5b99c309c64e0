package approvals

import (
	"bytes"
	"encoding/base32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOTPSecret(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	decoded, err := base32.StdEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, decoded, 20)

	other, err := GenerateTOTPSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestFormatTOTPURI(t *testing.T) {
	assert.Equal(t, "otpauth://totp/agentgate:rita?secret=ABC&issuer=agentgate", FormatTOTPURI("rita", "ABC"))
}

func TestWriteTOTPSetup(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTOTPSetup(&buf, "rita", "JBSWY3DPEHPK3PXP"))
	out := buf.String()
	assert.Contains(t, out, "enroll rita")
	assert.Contains(t, out, "rita: JBSWY3DPEHPK3PXP")
	assert.Greater(t, bytes.Count(buf.Bytes(), []byte("\n")), 10, "QR code rows")
}

func TestTOTPVerifier_Verify(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewTOTPVerifier(map[string]string{"rita": secret})
	v.now = func() time.Time { return now }

	code, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Verify("rita", ""), ErrTOTPRequired)
	assert.ErrorIs(t, v.Verify("dan", code), ErrTOTPInvalid, "unknown approver")
	assert.ErrorIs(t, v.Verify("rita", "000000x"), ErrTOTPInvalid)
	require.NoError(t, v.Verify("rita", code))
	assert.ErrorIs(t, v.Verify("rita", code), ErrTOTPInvalid, "replayed code")

	// The used code ages out of the replay window with its period.
	now = now.Add(2 * time.Minute)
	next, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)
	require.NoError(t, v.Verify("rita", next))
	assert.Len(t, v.used, 1)
}

func TestTOTPVerifier_Skew(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 0, 15, 0, time.UTC)
	v := NewTOTPVerifier(map[string]string{"rita": secret})
	v.now = func() time.Time { return now }

	prev, err := totp.GenerateCode(secret, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.NoError(t, v.Verify("rita", prev))

	stale, err := totp.GenerateCode(secret, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify("rita", stale), ErrTOTPInvalid)
}

func TestLoadTOTPVerifier(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "totp.yaml")
	require.NoError(t, os.WriteFile(good, []byte("rita: JBSWY3DPEHPK3PXP\nsam: 'jbsw y3dp ehpk 3pxp'\n"), 0o600))
	v, err := LoadTOTPVerifier(good)
	require.NoError(t, err)
	assert.True(t, v.Enrolled("rita"))
	assert.True(t, v.Enrolled("sam"))
	assert.False(t, v.Enrolled("dan"))
	assert.Equal(t, "JBSWY3DPEHPK3PXP", v.secrets["sam"])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rita: not-base32!\n"), 0o600))
	_, err = LoadTOTPVerifier(bad)
	assert.Error(t, err)

	_, err = LoadTOTPVerifier(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
