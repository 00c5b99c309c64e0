package risk

import (
	"context"
	"fmt"
)

// Vote is a plugin's explicit opinion on a request.
type Vote string

const (
	VoteNone  Vote = ""
	VoteAllow Vote = "allow"
	VoteDeny  Vote = "deny"
)

// Verdict is a plugin's contribution to a score.
type Verdict struct {
	Delta  int
	Vote   Vote
	Reason string
}

// Plugin contributes to a risk score. Plugins run in registration order.
type Plugin interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc struct {
	PluginName string
	Fn         func(ctx context.Context, in Input) (Verdict, error)
}

// Name returns the plugin name.
func (p PluginFunc) Name() string { return p.PluginName }

// Evaluate calls p.Fn.
func (p PluginFunc) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	return p.Fn(ctx, in)
}

// evaluatePlugin runs p, converting a panic into an error.
func (s *Scorer) evaluatePlugin(ctx context.Context, p Plugin, in Input) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	return p.Evaluate(ctx, in)
}
