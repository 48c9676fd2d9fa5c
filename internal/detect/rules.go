// Package detect finds supported captcha challenges in a page snapshot and
// extracts their sitekeys.
package detect

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule describes how one captcha provider shows up in a page.
type Rule struct {
	Kind wire.Kind `yaml:"kind"`
	// IframeSrc substrings identify the provider's challenge frames.
	IframeSrc []string `yaml:"iframe_src"`
	// Containers are CSS class names of the provider's widget element.
	Containers []string `yaml:"containers,omitempty"`
	// SitekeyContainers restricts data-sitekey lookup to elements with one of
	// these classes. Empty means any element carrying data-sitekey.
	SitekeyContainers []string `yaml:"sitekey_containers,omitempty"`
	SitekeyParam      string   `yaml:"sitekey_param"`
	ScriptPattern     string   `yaml:"script_pattern,omitempty"`
	ResponseFields    []string `yaml:"response_fields"`
	Events            []string `yaml:"events,omitempty"`
	CallbackGlobal    string   `yaml:"callback_global,omitempty"`

	paramRe  *regexp.Regexp
	scriptRe *regexp.Regexp
}

// Rules is the ordered set of provider rules.
type Rules struct {
	Providers []Rule `yaml:"providers"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("detect: embedded rules: %v", err))
	}
	return r
}

// LoadRules reads rules from path. An empty path selects the embedded rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("detect rules: %w", err)
	}
	if len(rules.Providers) == 0 {
		return nil, fmt.Errorf("detect rules: no providers")
	}
	seen := make(map[wire.Kind]bool)
	for i := range rules.Providers {
		p := &rules.Providers[i]
		switch p.Kind {
		case wire.KindHCaptcha, wire.KindReCaptcha:
		default:
			return nil, fmt.Errorf("detect rules: provider[%d] has unsupported kind %q", i, p.Kind)
		}
		if seen[p.Kind] {
			return nil, fmt.Errorf("detect rules: provider[%d] (%s) is a duplicate", i, p.Kind)
		}
		seen[p.Kind] = true
		if len(p.IframeSrc) == 0 && len(p.Containers) == 0 {
			return nil, fmt.Errorf("detect rules: provider[%d] (%s) needs iframe_src or containers", i, p.Kind)
		}
		if p.SitekeyParam == "" {
			return nil, fmt.Errorf("detect rules: provider[%d] (%s) missing sitekey_param", i, p.Kind)
		}
		if len(p.ResponseFields) == 0 {
			return nil, fmt.Errorf("detect rules: provider[%d] (%s) missing response_fields", i, p.Kind)
		}
		p.paramRe = regexp.MustCompile(`(?:^|[?&#])` + regexp.QuoteMeta(p.SitekeyParam) + `=([^&#]+)`)
		if p.ScriptPattern != "" {
			re, err := regexp.Compile(p.ScriptPattern)
			if err != nil {
				return nil, fmt.Errorf("detect rules: provider[%d] (%s) script_pattern: %w", i, p.Kind, err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("detect rules: provider[%d] (%s) script_pattern needs a capture group", i, p.Kind)
			}
			p.scriptRe = re
		}
	}
	return &rules, nil
}

// Rule returns the rule for kind.
func (r *Rules) Rule(kind wire.Kind) (Rule, bool) {
	for _, p := range r.Providers {
		if p.Kind == kind {
			return p, true
		}
	}
	return Rule{}, false
}

// SnapshotSelector is the CSS selector a page snapshot must collect elements
// for: anything carrying data-sitekey plus every known container class.
func (r *Rules) SnapshotSelector() string {
	parts := []string{"[data-sitekey]"}
	seen := map[string]bool{}
	for _, p := range r.Providers {
		for _, c := range p.Containers {
			if !seen[c] {
				seen[c] = true
				parts = append(parts, "."+c)
			}
		}
	}
	return strings.Join(parts, ", ")
}
