package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/captcha_relay/internal/relay"
	"github.com/dgnsrekt/captcha_relay/internal/storage"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body relay.Status
	}
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Connection state, queue depth and attached tabs", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			st, err := svc.Status(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	type statsOutput struct {
		Body relay.Stats
	}
	huma.Register(api, huma.Operation{OperationID: "get-stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Solve counters for this run", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			s, err := svc.Stats(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statsOutput{Body: s}, nil
		})
}

type enabledOutput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

type mousePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p mousePoint) point() *wire.Point {
	return &wire.Point{p.X, p.Y}
}

type pendingItem struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
	Sitekey   string `json:"sitekey,omitempty"`
	URL       string `json:"url,omitempty"`
}

func registerRelayHandlers(api huma.API, svc Service) {
	type solveOutput struct {
		Body struct {
			TabID string `json:"tab_id"`
			URL   string `json:"url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "solve-now", Method: http.MethodPost, Path: "/api/v1/solve", Summary: "Run detection in the active tab now", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*solveOutput, error) {
			tab, err := svc.SolveNow(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &solveOutput{}
			out.Body.TabID = tab.ID
			out.Body.URL = tab.URL
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-enabled", Method: http.MethodGet, Path: "/api/v1/enabled", Summary: "Whether automatic solving is on", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*enabledOutput, error) {
			enabled, err := svc.Enabled(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &enabledOutput{}
			out.Body.Enabled = enabled
			return out, nil
		})

	type setEnabledInput struct {
		Body struct {
			Enabled bool `json:"enabled" required:"true"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-enabled", Method: http.MethodPut, Path: "/api/v1/enabled", Summary: "Turn automatic solving on or off in every tab", Tags: []string{"Relay"}},
		func(ctx context.Context, input *setEnabledInput) (*enabledOutput, error) {
			if err := svc.SetEnabled(ctx, input.Body.Enabled); err != nil {
				return nil, mapErr(err)
			}
			out := &enabledOutput{}
			out.Body.Enabled = input.Body.Enabled
			return out, nil
		})

	type reconnectOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "reconnect", Method: http.MethodPost, Path: "/api/v1/reconnect", Summary: "Start a connection attempt if the solver link is down", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*reconnectOutput, error) {
			if err := svc.Reconnect(ctx); err != nil {
				return nil, mapErr(err)
			}
			out := &reconnectOutput{}
			out.Body.Status = "reconnecting"
			return out, nil
		})

	type queueOutput struct {
		Body struct {
			Pending []pendingItem `json:"pending"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-queue", Method: http.MethodGet, Path: "/api/v1/queue", Summary: "Requests waiting for the solver link", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*queueOutput, error) {
			envs, err := svc.PendingSnapshot(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &queueOutput{}
			out.Body.Pending = make([]pendingItem, 0, len(envs))
			for _, env := range envs {
				out.Body.Pending = append(out.Body.Pending, pendingItem{
					Action:    env.Action,
					RequestID: env.RequestID,
					Sitekey:   env.Sitekey,
					URL:       env.URL,
				})
			}
			return out, nil
		})

	type mousePathInput struct {
		Body struct {
			Start mousePoint `json:"start" required:"true"`
			End   mousePoint `json:"end" required:"true"`
			Steps int        `json:"steps,omitempty" minimum:"0" maximum:"1000" doc:"Points in the path. 0 uses the default of 50."`
		}
	}
	type mousePathOutput struct {
		Body relay.Reply
	}
	huma.Register(api, huma.Operation{OperationID: "request-mouse-path", Method: http.MethodPost, Path: "/api/v1/mouse-path", Summary: "Request a mouse path for the active tab to replay", Tags: []string{"Relay"}},
		func(ctx context.Context, input *mousePathInput) (*mousePathOutput, error) {
			st, err := svc.Status(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			if st.ActiveTab == "" {
				return nil, huma.Error409Conflict("no active tab")
			}
			reply, err := svc.Handle(ctx, st.ActiveTab, relay.Request{
				Action: wire.ActionGetMousePath,
				Start:  input.Body.Start.point(),
				End:    input.Body.End.point(),
				Steps:  input.Body.Steps,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			if !reply.Success {
				return nil, huma.Error502BadGateway(reply.Error)
			}
			return &mousePathOutput{Body: reply}, nil
		})
}

func registerResultHandlers(api huma.API, load ResultsFunc) {
	type resultsInput struct {
		Date string `query:"date" doc:"UTC date (YYYY-MM-DD). Defaults to today."`
	}
	type resultsOutput struct {
		Body struct {
			Date    string                 `json:"date"`
			Results []storage.ResultRecord `json:"results"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-results", Method: http.MethodGet, Path: "/api/v1/results", Summary: "Journaled captcha results for one day", Tags: []string{"Results"}},
		func(ctx context.Context, input *resultsInput) (*resultsOutput, error) {
			date := input.Date
			if date == "" {
				date = time.Now().UTC().Format(time.DateOnly)
			}
			if _, err := time.Parse(time.DateOnly, date); err != nil {
				return nil, huma.Error400BadRequest("date must be YYYY-MM-DD")
			}
			recs, err := load(date)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &resultsOutput{}
			out.Body.Date = date
			out.Body.Results = recs
			return out, nil
		})
}
