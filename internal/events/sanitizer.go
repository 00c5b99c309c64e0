package events

import (
	"regexp"
	"strings"

	"github.com/agentsh/agentgate/pkg/types"
)

// DefaultCmdlinePatterns redact secret values passed on a command line. The
// first capture group is kept.
var DefaultCmdlinePatterns = []string{
	`(?i)(--password[=\s]+)\S+`,
	`(?i)(--token[=\s]+)\S+`,
	`(?i)(--api-key[=\s]+)\S+`,
	`(?i)(PASS(WORD)?=)\S+`,
	`(?i)(TOKEN=)\S+`,
	`(?i)(API_KEY=)\S+`,
	`(?i)(SECRET=)\S+`,
	`(?i)(Authorization:\s*Bearer\s+)\S+`,
}

// secretFlags take their value in the next argument.
var secretFlags = map[string]bool{
	"--password": true,
	"--token":    true,
	"--api-key":  true,
	"-p":         true,
}

const redacted = "[REDACTED]"

// Sanitizer redacts secrets from payloads before they leave the process
// through the notification stream.
type Sanitizer struct {
	contentPatterns []*regexp.Regexp
}

// NewSanitizer compiles patterns, skipping invalid ones.
func NewSanitizer(patterns []string) *Sanitizer {
	s := &Sanitizer{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			s.contentPatterns = append(s.contentPatterns, re)
		}
	}
	return s
}

func NewDefaultSanitizer() *Sanitizer {
	return NewSanitizer(DefaultCmdlinePatterns)
}

// SanitizeCmdline redacts sensitive values in command line arguments.
func (s *Sanitizer) SanitizeCmdline(args []string) []string {
	if args == nil {
		return nil
	}
	result := make([]string, len(args))
	for i, arg := range args {
		if i > 0 && secretFlags[strings.ToLower(args[i-1])] {
			result[i] = redacted
			continue
		}
		result[i] = s.SanitizeString(arg)
	}
	return result
}

func (s *Sanitizer) SanitizeString(v string) string {
	for _, re := range s.contentPatterns {
		v = re.ReplaceAllString(v, "${1}"+redacted)
	}
	return v
}

// SanitizeEvent returns a copy of ev whose pending request carries no secrets.
// The original event is left untouched.
func (s *Sanitizer) SanitizeEvent(ev types.Event) types.Event {
	if ev.Pending == nil {
		return ev
	}
	p := *ev.Pending
	p.Request = p.Request.Clone()
	p.Request.Args = s.SanitizeCmdline(p.Request.Args)
	p.Request.Description = s.SanitizeString(p.Request.Description)
	p.Request.Reason = s.SanitizeString(p.Request.Reason)
	if p.Request.Command != "" {
		p.Target = s.SanitizeString(p.Target)
	}
	ev.Pending = &p
	return ev
}
