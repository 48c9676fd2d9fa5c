package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/captcha_relay/internal/agent"
	"github.com/dgnsrekt/captcha_relay/internal/detect"
	"github.com/dgnsrekt/captcha_relay/internal/intercept"
	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

const (
	fieldAttr    = "data-captcha-relay-field"
	maxScriptLen = 20000
)

// cdpPage implements agent.Page on a chromedp tab context.
type cdpPage struct {
	ctx context.Context
}

var _ agent.Page = (*cdpPage)(nil)

// run executes actions on the tab, bounded by both the tab and ctx.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func snapshotExpr(selector string) string {
	return fmt.Sprintf(`(() => {
  const elements = Array.from(document.querySelectorAll(%s)).map((el) => ({
    tag: el.tagName.toLowerCase(),
    classes: Array.from(el.classList),
    sitekey: el.getAttribute("data-sitekey") || "",
  }));
  return {
    url: location.href,
    iframes: Array.from(document.querySelectorAll("iframe")).map((f) => f.src || "").filter(Boolean),
    elements,
    scripts: Array.from(document.scripts).filter((s) => !s.src).map((s) => (s.textContent || "").slice(0, %d)),
  };
})()`, jsString(selector), maxScriptLen)
}

func fieldsExpr(names []string) string {
	return fmt.Sprintf(`(() => {
  const names = %s;
  const out = [];
  document.querySelectorAll("textarea").forEach((el) => {
    if (!names.includes(el.name)) return;
    el.setAttribute(%q, String(out.length));
    out.push({ index: out.length, name: el.name });
  });
  return out;
})()`, jsStrings(names), fieldAttr)
}

func fieldExpr(f agent.Field, body string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector('[%s="%d"]');
  if (!el) return false;
  %s
  return true;
})()`, fieldAttr, f.Index, body)
}

func callbackExpr(global, token string) string {
	return fmt.Sprintf(`(() => {
  const api = window[%s];
  if (!api || typeof api.callback !== "function") return false;
  api.callback(%s);
  return true;
})()`, jsString(global), jsString(token))
}

var noticeColors = map[agent.Level]string{
	agent.LevelInfo:    "#2196F3",
	agent.LevelSuccess: "#4CAF50",
	agent.LevelError:   "#f44336",
}

func noticeExpr(msg string, level agent.Level, d time.Duration) string {
	color, ok := noticeColors[level]
	if !ok {
		color = noticeColors[agent.LevelInfo]
	}
	return fmt.Sprintf(`(() => {
  if (!document.body) return false;
  const n = document.createElement("div");
  n.className = "captcha-relay-notice";
  n.textContent = %s;
  n.style.cssText = "position:fixed;top:20px;right:20px;padding:12px 20px;color:#fff;border-radius:4px;z-index:2147483647;font:14px sans-serif;background:%s";
  document.body.appendChild(n);
  setTimeout(() => n.remove(), %d);
  return true;
})()`, jsString(msg), color, d.Milliseconds())
}

func (p *cdpPage) Snapshot(ctx context.Context, selector string) (detect.Document, error) {
	var doc detect.Document
	if err := p.run(ctx, chromedp.Evaluate(snapshotExpr(selector), &doc)); err != nil {
		return detect.Document{}, fmt.Errorf("snapshot: %w", err)
	}
	return doc, nil
}

func (p *cdpPage) Fields(ctx context.Context, names []string) ([]agent.Field, error) {
	var fields []agent.Field
	if err := p.run(ctx, chromedp.Evaluate(fieldsExpr(names), &fields)); err != nil {
		return nil, fmt.Errorf("find fields: %w", err)
	}
	return fields, nil
}

func (p *cdpPage) evalField(ctx context.Context, f agent.Field, body string) error {
	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(fieldExpr(f, body), &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("field %s#%d is gone", f.Name, f.Index)
	}
	return nil
}

func (p *cdpPage) SetValue(ctx context.Context, f agent.Field, value string) error {
	return p.evalField(ctx, f, "el.value = "+jsString(value)+";")
}

func (p *cdpPage) Dispatch(ctx context.Context, f agent.Field, event string) error {
	return p.evalField(ctx, f, "el.dispatchEvent(new Event("+jsString(event)+", { bubbles: true }));")
}

func (p *cdpPage) InvokeCallback(ctx context.Context, global, token string) (bool, error) {
	var called bool
	if err := p.run(ctx, chromedp.Evaluate(callbackExpr(global, token), &called)); err != nil {
		return false, fmt.Errorf("invoke %s.callback: %w", global, err)
	}
	return called, nil
}

func (p *cdpPage) Notify(ctx context.Context, msg string, level agent.Level, d time.Duration) error {
	var shown bool
	return p.run(ctx, chromedp.Evaluate(noticeExpr(msg, level, d), &shown))
}

// MoveMouse replays path as mouse-move events, 1-3ms apart.
func (p *cdpPage) MoveMouse(ctx context.Context, path []wire.Point) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, pt := range path {
			if err := input.DispatchMouseEvent(input.MouseMoved, pt[0], pt[1]).Do(ctx); err != nil {
				return fmt.Errorf("mouse move: %w", err)
			}
			delay := time.Millisecond + time.Duration(rand.Int64N(int64(2*time.Millisecond)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		return nil
	}))
}

// deliver hands a bus message to the page script.
func (p *cdpPage) deliver(ctx context.Context, msg intercept.Message) error {
	expr, err := intercept.DeliverExpression(msg)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.Evaluate(expr, nil))
}
