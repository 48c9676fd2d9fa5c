package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/captcha_relay/internal/relay"
	"github.com/dgnsrekt/captcha_relay/internal/storage"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the relay surface the control API drives. *relay.Router
// implements it.
type Service interface {
	Status(ctx context.Context) (relay.Status, error)
	Stats(ctx context.Context) (relay.Stats, error)
	SolveNow(ctx context.Context) (relay.TabInfo, error)
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
	Reconnect(ctx context.Context) error
	Handle(ctx context.Context, tabID string, req relay.Request) (relay.Reply, error)
	PendingSnapshot(ctx context.Context) ([]wire.Envelope, error)
}

var _ Service = (*relay.Router)(nil)

// ResultsFunc loads the journaled results for one UTC date (YYYY-MM-DD).
type ResultsFunc func(date string) ([]storage.ResultRecord, error)

type Options struct {
	// Broker feeds /api/v1/events. Nil disables the stream.
	Broker *relay.Broker
	// Results backs /api/v1/results. Nil disables history.
	Results ResultsFunc
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Captcha Relay API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if opts.Broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(opts.Broker))
	}

	registerHealthHandlers(api, svc)
	registerRelayHandlers(api, svc)
	if opts.Results != nil {
		registerResultHandlers(api, opts.Results)
	}

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *relay.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case relay.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case relay.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case relay.CodeNoActiveTab:
			return huma.Error409Conflict(coded.Message)
		case relay.CodeDeliveryFailed:
			return huma.Error502BadGateway(coded.Message)
		case relay.CodeRouterStopped, relay.CodeNotConnected:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
