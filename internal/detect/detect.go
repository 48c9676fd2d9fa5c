package detect

import (
	"errors"
	"strings"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

// ErrNoSitekey is returned when a challenge is present but no sitekey could
// be found for it.
var ErrNoSitekey = errors.New("detect: sitekey not found")

// Element is a page element matched by Rules.SnapshotSelector.
type Element struct {
	Tag     string   `json:"tag"`
	Classes []string `json:"classes,omitempty"`
	Sitekey string   `json:"sitekey,omitempty"`
}

func (e Element) hasClass(names []string) bool {
	for _, c := range e.Classes {
		for _, n := range names {
			if c == n {
				return true
			}
		}
	}
	return false
}

// Document is a point-in-time snapshot of the parts of a page detection
// looks at. Elements and iframes are in document order.
type Document struct {
	URL      string    `json:"url"`
	Iframes  []string  `json:"iframes"`
	Elements []Element `json:"elements"`
	Scripts  []string  `json:"scripts"`
}

// Detect returns the kinds of challenge present in doc, in rule order.
func (r *Rules) Detect(doc Document) []wire.Kind {
	var kinds []wire.Kind
	for _, p := range r.Providers {
		if p.present(doc) {
			kinds = append(kinds, p.Kind)
		}
	}
	return kinds
}

func (p Rule) present(doc Document) bool {
	if len(p.frames(doc)) > 0 {
		return true
	}
	if len(p.Containers) == 0 {
		return false
	}
	for _, el := range doc.Elements {
		if el.hasClass(p.Containers) {
			return true
		}
	}
	return false
}

func (p Rule) frames(doc Document) []string {
	var out []string
	for _, src := range doc.Iframes {
		for _, sub := range p.IframeSrc {
			if strings.Contains(src, sub) {
				out = append(out, src)
				break
			}
		}
	}
	return out
}

// ExtractSitekey finds the sitekey for kind. Sources are tried in order: the
// data-sitekey attribute, the provider iframe URL parameter, then inline
// scripts. The first non-empty value wins.
func (r *Rules) ExtractSitekey(doc Document, kind wire.Kind) (string, error) {
	p, ok := r.Rule(kind)
	if !ok {
		return "", ErrNoSitekey
	}

	for _, el := range doc.Elements {
		if el.Sitekey == "" {
			continue
		}
		if len(p.SitekeyContainers) > 0 && !el.hasClass(p.SitekeyContainers) {
			continue
		}
		return el.Sitekey, nil
	}

	if frames := p.frames(doc); len(frames) > 0 {
		// Only the first provider frame is consulted.
		if m := p.paramRe.FindStringSubmatch(frames[0]); m != nil && m[1] != "" {
			return m[1], nil
		}
	}

	if p.scriptRe != nil {
		for _, script := range doc.Scripts {
			if m := p.scriptRe.FindStringSubmatch(script); m != nil && m[1] != "" {
				return m[1], nil
			}
		}
	}
	return "", ErrNoSitekey
}
