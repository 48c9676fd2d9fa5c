package browser

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/captcha_relay/internal/agent"
)

func TestHostMatchesTabFilter(t *testing.T) {
	h := NewHost(Config{}, nil)
	assert.True(t, h.matches("https://anything.example"))

	h = NewHost(Config{TabURLFilter: "Shop.Example"}, nil)
	assert.True(t, h.matches("https://shop.example/checkout"))
	assert.False(t, h.matches("about:blank"))
}

func TestHostScriptCarriesTimeout(t *testing.T) {
	h := NewHost(Config{ExecuteTimeout: 5 * time.Second}, nil)
	assert.Contains(t, h.script, "const TIMEOUT_MS = 5000;")
	assert.NotNil(t, h.cfg.Rules)
	assert.Zero(t, h.TabCount())
}

func TestHostDropsWorkAfterShutdown(t *testing.T) {
	h := NewHost(Config{}, nil)
	ran := make(chan struct{})
	require.True(t, h.spawn(func() { close(ran) }))
	<-ran

	h.shutdown()
	assert.False(t, h.spawn(func() { t.Error("spawned after shutdown") }))
	h.goDetach("tab-1")
	h.routerCall(context.Background(), func(context.Context) error {
		t.Error("router called after shutdown")
		return nil
	})
	h.wg.Wait()
	assert.Zero(t, h.TabCount())
}

func TestExpressionsQuoteInput(t *testing.T) {
	sel := snapshotExpr(`[data-sitekey], .g-recaptcha`)
	assert.Contains(t, sel, `document.querySelectorAll("[data-sitekey], .g-recaptcha")`)
	assert.Contains(t, sel, ".slice(0, 20000)")

	fields := fieldsExpr([]string{"h-captcha-response", "g-recaptcha-response"})
	assert.Contains(t, fields, `const names = ["h-captcha-response","g-recaptcha-response"];`)
	assert.Contains(t, fields, `el.setAttribute("data-captcha-relay-field"`)
	assert.Contains(t, fieldsExpr(nil), "const names = [];")

	field := fieldExpr(agent.Field{Index: 3, Name: "x"}, "el.value = 1;")
	assert.Contains(t, field, `document.querySelector('[data-captcha-relay-field="3"]')`)

	cb := callbackExpr("hcaptcha", `tok"en</script>`)
	assert.Contains(t, cb, `window["hcaptcha"]`)
	assert.Contains(t, cb, `api.callback("tok\"en\u003c/script\u003e")`)

	n := noticeExpr("hCaptcha solved", agent.LevelSuccess, 3*time.Second)
	assert.Contains(t, n, `n.textContent = "hCaptcha solved";`)
	assert.Contains(t, n, "#4CAF50")
	assert.Contains(t, n, "n.remove(), 3000")
	assert.Contains(t, noticeExpr("x", agent.Level("odd"), time.Second), "#2196F3")
}

func TestLaunchArgs(t *testing.T) {
	l := NewLauncher(LaunchConfig{CDPAddress: "127.0.0.1", CDPPort: 9220, ProfileDir: "/tmp/p", StartURL: "https://start.example"})
	args := l.launchArgs()
	assert.Contains(t, args, "--remote-debugging-port=9220")
	assert.Contains(t, args, "--remote-debugging-address=127.0.0.1")
	assert.Contains(t, args, "--user-data-dir=/tmp/p")
	assert.Contains(t, args, "--window-size=1280,900")
	assert.Equal(t, "https://start.example", args[len(args)-1])

	l = NewLauncher(LaunchConfig{CDPPort: 1})
	for _, a := range l.launchArgs() {
		assert.False(t, strings.HasPrefix(a, "http"), a)
	}
	assert.False(t, l.Running())
	l.Stop()
}

func TestFindBrowserOverride(t *testing.T) {
	_, err := findBrowser(filepath.Join(t.TempDir(), "no-such-chrome"))
	require.Error(t, err)

	self := filepath.Join(t.TempDir())
	got, err := findBrowser(self)
	require.NoError(t, err)
	assert.Equal(t, self, got)
}
