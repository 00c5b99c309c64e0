package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentsh/agentgate/pkg/types"
)

func newTestMatcher(t *testing.T, p *Policy) *Matcher {
	t.Helper()
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Name == "" {
		p.Name = "test"
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return NewMatcher(p, nil)
}

func TestMatcher_Order(t *testing.T) {
	m := newTestMatcher(t, &Policy{
		AlwaysDeny:     []string{"file_delete:/etc/**", "file_write:/tmp/secret*"},
		AlwaysAllow:    []string{"file_write:*.log", "file_write:/tmp/**", "file_delete:/etc/**"},
		RequireConsent: []string{"command_execute:git push*"},
	})

	tests := []struct {
		name   string
		op     string
		target string
		trust  int
		want   types.PolicyResult
		source string
	}{
		{"deny wins over allow", "file_delete", "/etc/hosts", 50, types.PolicyDeny, SourceAlwaysDeny},
		{"deny before allow on same subtree", "file_write", "/tmp/secret.txt", 50, types.PolicyDeny, SourceAlwaysDeny},
		{"allow glob", "file_write", "app.log", 50, types.PolicyAllow, SourceAlwaysAllow},
		{"allow double star", "file_write", "/tmp/a/b", 50, types.PolicyAllow, SourceAlwaysAllow},
		{"require consent", "command_execute", "git push origin main", 50, types.PolicyAsk, SourceRequireConsent},
		{"critical op asks", "recursive_delete", "/tmp/cache", 90, types.PolicyAsk, SourceCritical},
		{"low trust asks", "file_write", "/home/u/x", 10, types.PolicyAsk, SourceLowTrust},
		{"low trust low-risk op allowed", "file_read", "/home/u/x", 10, types.PolicyAllow, SourceDefault},
		{"default allow", "file_write", "/home/u/x", 50, types.PolicyAllow, SourceDefault},
		{"case insensitive", "FILE_WRITE", "APP.LOG", 50, types.PolicyAllow, SourceAlwaysAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Evaluate(tt.op, tt.target, tt.trust)
			assert.Equal(t, tt.want, got.Decision)
			assert.Equal(t, tt.source, got.Source)
		})
	}
}

func TestMatcher_DenyPrecedenceForEveryOverlap(t *testing.T) {
	rules := []string{"file_write:**", "file_write:/srv/*", "file_write:/srv/data.db", "re:file_write:/srv/.*"}
	for _, allow := range rules {
		for _, deny := range rules {
			m := newTestMatcher(t, &Policy{AlwaysAllow: []string{allow}, AlwaysDeny: []string{deny}})
			got := m.Evaluate("file_write", "/srv/data.db", 50)
			assert.Equal(t, types.PolicyDeny, got.Decision, "allow=%q deny=%q", allow, deny)
		}
	}
}

func TestMatcher_EmptyTarget(t *testing.T) {
	m := newTestMatcher(t, &Policy{AlwaysDeny: []string{"network_request:\\*"}})
	got := m.Evaluate("network_request", "", 50)
	assert.Equal(t, types.PolicyDeny, got.Decision)
	assert.Equal(t, "network_request:*", Subject("network_request", ""))
}

func TestMatcher_ClassRule(t *testing.T) {
	m := newTestMatcher(t, &Policy{AlwaysDeny: []string{"@destructive:/etc/**"}})

	assert.Equal(t, types.PolicyDeny, m.Evaluate("file_delete", "/etc/hosts", 50).Decision)
	assert.Equal(t, types.PolicyDeny, m.Evaluate("database_write", "/etc/db", 50).Decision)
	assert.Equal(t, types.PolicyAllow, m.Evaluate("file_read", "/etc/hosts", 50).Decision)
}

func TestMatcher_BrokenPatternFallsBackToSubstring(t *testing.T) {
	m := newTestMatcher(t, &Policy{AlwaysDeny: []string{"[prod"}})

	assert.Equal(t, types.PolicyDeny, m.Evaluate("database_write", "orders[prod]", 50).Decision)
	assert.Equal(t, types.PolicyAllow, m.Evaluate("database_write", "orders", 50).Decision)
}

func TestMatcher_AlwaysAllowLogFiles(t *testing.T) {
	m := newTestMatcher(t, &Policy{AlwaysAllow: []string{"file_write:*.log"}})
	got := m.Evaluate("file_write", "app.log", 50)
	assert.Equal(t, types.PolicyAllow, got.Decision)
	assert.Equal(t, "file_write:*.log", got.Rule)
}

func TestCompile(t *testing.T) {
	c := Compile(DefaultPolicy(), 7, nil)
	assert.Equal(t, int64(7), c.Version)
	assert.Same(t, c.Policy, c.Matcher.Policy())
}
