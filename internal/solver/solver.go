// Package solver is a reference implementation of the solver endpoint the
// relay connects to. The solving backend is pluggable; the default backend
// reports that no solver is available.
package solver

import (
	"context"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

// Task is one captcha to solve.
type Task struct {
	Kind    wire.Kind
	Sitekey string
	URL     string
	Proxy   string
}

// Outcome is what a backend produced for a Task.
type Outcome struct {
	Success bool
	Token   string
	Error   string
	Solver  string
}

// Solver produces tokens. Implementations must honour ctx cancellation.
type Solver interface {
	Solve(ctx context.Context, task Task) Outcome
}

// Unavailable is the default backend: every task fails.
type Unavailable struct{}

func (Unavailable) Solve(_ context.Context, task Task) Outcome {
	if task.Kind == wire.KindReCaptcha {
		return Outcome{Error: "recaptcha support not implemented"}
	}
	return Outcome{Error: "no solver available"}
}

// Static answers every task with a fixed token. It is meant for local
// end-to-end runs against test pages.
type Static struct {
	Token string
}

func (s Static) Solve(ctx context.Context, _ Task) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Error: err.Error(), Solver: "static"}
	}
	return Outcome{Success: true, Token: s.Token, Solver: "static"}
}
