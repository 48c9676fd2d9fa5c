// Package agent runs the per-tab captcha workflow: detect, request a solve,
// inject the returned token.
package agent

import (
	"context"
	"time"

	"github.com/dgnsrekt/captcha_relay/internal/detect"
	"github.com/dgnsrekt/captcha_relay/internal/relay"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

// Level selects the styling of an on-page notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Field is a response field located in the page.
type Field struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Page is everything the agent needs from a browser tab.
type Page interface {
	// Snapshot collects the document parts detection looks at. selector
	// picks the elements to report.
	Snapshot(ctx context.Context, selector string) (detect.Document, error)
	// Fields finds textarea response fields with one of the given names.
	Fields(ctx context.Context, names []string) ([]Field, error)
	SetValue(ctx context.Context, f Field, value string) error
	// Dispatch fires one bubbling event of the given type on f.
	Dispatch(ctx context.Context, f Field, event string) error
	// InvokeCallback calls window[global].callback(token) when it exists and
	// reports whether it did.
	InvokeCallback(ctx context.Context, global, token string) (bool, error)
	Notify(ctx context.Context, message string, level Level, d time.Duration) error
	MoveMouse(ctx context.Context, path []wire.Point) error
}

// Requester sends requests to the relay router.
type Requester interface {
	Handle(ctx context.Context, tabID string, req relay.Request) (relay.Reply, error)
}
