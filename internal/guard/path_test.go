package guard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, cfg PathConfig) *PathResolver {
	t.Helper()
	r, err := NewPathResolver(cfg, nil)
	require.NoError(t, err)
	return r
}

func requireDenied(t *testing.T, err error) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "want *ValidationError, got %T", err)
	return ve
}

func TestResolve_TraversalIntoRestrictedZone(t *testing.T) {
	r := newResolver(t, PathConfig{SafeZones: []string{"/home"}, RestrictedZones: []string{"/etc"}})

	_, err := r.Resolve("/home/user/../../etc/passwd")
	ve := requireDenied(t, err)
	assert.Equal(t, KindPath, ve.Kind)
	assert.Contains(t, ve.Reason, "restricted")
}

func TestResolve_RestrictedWinsOverSafe(t *testing.T) {
	root := t.TempDir()
	secret := filepath.Join(root, "secret")
	r := newResolver(t, PathConfig{SafeZones: []string{root}, RestrictedZones: []string{secret}})

	for _, p := range []string{secret, filepath.Join(secret, "key"), filepath.Join(secret, "a", "b")} {
		_, err := r.Resolve(p)
		requireDenied(t, err)
	}

	got, err := r.Resolve(filepath.Join(root, "secretive.txt"))
	require.NoError(t, err, "prefix match must respect path boundaries")
	assert.Equal(t, filepath.Join(Canonicalize(root), "secretive.txt"), got)
}

func TestResolve_RestrictedGlob(t *testing.T) {
	root := t.TempDir()
	r := newResolver(t, PathConfig{
		SafeZones:       []string{root},
		RestrictedZones: []string{filepath.ToSlash(Canonicalize(root)) + "/**/private*"},
	})

	_, err := r.Resolve(filepath.Join(root, "a", "b", "private.key"))
	requireDenied(t, err)

	_, err = r.Resolve(filepath.Join(root, "a", "public.key"))
	require.NoError(t, err)
}

func TestResolve_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	safe := filepath.Join(root, "work")
	restricted := filepath.Join(root, "vault")
	require.NoError(t, os.MkdirAll(safe, 0o755))
	require.NoError(t, os.MkdirAll(restricted, 0o755))
	link := filepath.Join(safe, "shortcut")
	if err := os.Symlink(restricted, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	r := newResolver(t, PathConfig{SafeZones: []string{safe}, RestrictedZones: []string{restricted}})

	_, err := r.Resolve(filepath.Join(link, "new-file.txt"))
	requireDenied(t, err)
}

func TestResolve_Modes(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "child.txt")

	recursive := newResolver(t, PathConfig{SafeZones: []string{root}, Mode: ModeRecursive})
	_, err := recursive.Resolve(child)
	require.NoError(t, err)

	strict := newResolver(t, PathConfig{SafeZones: []string{root}, Mode: ModeStrict})
	_, err = strict.Resolve(child)
	requireDenied(t, err)
	_, err = strict.Resolve(root)
	require.NoError(t, err)
}

func TestResolve_FailsClosed(t *testing.T) {
	r := newResolver(t, PathConfig{})
	_, err := r.Resolve(t.TempDir())
	ve := requireDenied(t, err)
	assert.Contains(t, ve.Reason, "outside safe zones")

	r = newResolver(t, PathConfig{SafeZones: []string{"/"}})
	for _, in := range []string{"", "/tmp/a\x00b"} {
		_, err := r.Resolve(in)
		requireDenied(t, err)
	}
}

func TestResolve_BlockedPatterns(t *testing.T) {
	root := t.TempDir()
	r := newResolver(t, PathConfig{
		SafeZones:       []string{root},
		BlockedPatterns: []string{`\.pem$`, `([`},
	})

	tests := []struct {
		path    string
		blocked bool
	}{
		{filepath.Join(root, ".ssh", "id_ed25519"), true},
		{filepath.Join(root, "app", ".env"), true},
		{filepath.Join(root, "app", ".env.production"), true},
		{filepath.Join(root, ".aws", "credentials"), true},
		{filepath.Join(root, "tls", "server.pem"), true},
		{filepath.Join(root, "app", "environment.go"), false},
		{filepath.Join(root, "notes.txt"), false},
	}
	for _, tt := range tests {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			_, err := r.Resolve(tt.path)
			if tt.blocked {
				requireDenied(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPathResolver_InvalidMode(t *testing.T) {
	_, err := NewPathResolver(PathConfig{Mode: "loose"}, nil)
	require.Error(t, err)
}

func TestCanonicalize_NonExistentFallsBack(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "missing", "..", "missing2", "file")
	assert.Equal(t, filepath.Join(Canonicalize(root), "missing2", "file"), Canonicalize(p))
}
