package wire

import (
	"time"

	"github.com/google/uuid"
)

// SolveRequest is created by the router on behalf of a page agent. It is not
// modified once dispatched.
type SolveRequest struct {
	RequestID   string
	Kind        Kind
	Sitekey     string
	PageURL     string
	OriginTabID string
	Proxy       string
	Start       *Point
	End         *Point
	Steps       int
	CreatedAt   time.Time
}

// NewSolveRequest stamps a request with a fresh id and creation time.
func NewSolveRequest(kind Kind, tabID string) SolveRequest {
	return SolveRequest{
		RequestID:   uuid.NewString(),
		Kind:        kind,
		OriginTabID: tabID,
		CreatedAt:   time.Now(),
	}
}

// Envelope converts the request into its outbound frame.
func (r SolveRequest) Envelope() Envelope {
	env := Envelope{Action: r.Kind.Action(), RequestID: r.RequestID}
	switch r.Kind {
	case KindHCaptcha:
		env.Sitekey = r.Sitekey
		env.URL = r.PageURL
		env.Proxy = r.Proxy
	case KindReCaptcha:
		env.Sitekey = r.Sitekey
		env.URL = r.PageURL
	case KindMousePath:
		env.Start = r.Start
		env.End = r.End
		env.Steps = r.Steps
		if env.Steps <= 0 {
			env.Steps = DefaultMouseSteps
		}
	}
	return env
}

// SolveResult is the decoded form of an inbound captcha_result frame.
type SolveResult struct {
	RequestID string
	Kind      Kind
	Success   bool
	Token     string
	Error     string
}

// ResultFromEnvelope extracts a SolveResult from a captcha_result frame.
func ResultFromEnvelope(env Envelope) SolveResult {
	return SolveResult{
		RequestID: env.RequestID,
		Kind:      Kind(env.Type),
		Success:   env.Succeeded(),
		Token:     env.Token,
		Error:     env.Error,
	}
}
