// Package classifier routes URLs to a fetch strategy without touching the
// network. Rendering a page in a browser costs several times a direct fetch,
// so every URL the rules can prove static goes to the cheap path, and every
// verdict carries a reason so misroutes can be audited.
package classifier

import (
	"net/url"
	"path"
	"strings"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// rule is one ordered classification pattern. Specificity decides order and
// confidence; the first match wins.
type rule struct {
	name       string
	strategy   ingest.Strategy
	confidence float64
	match      func(u *url.URL) bool
}

// Classifier applies an ordered rule set. Deterministic for a given URL.
type Classifier struct {
	rules []rule
}

// staticExtensions are file types that never need script execution.
var staticExtensions = map[string]struct{}{
	".pdf": {}, ".xml": {}, ".json": {}, ".txt": {}, ".csv": {},
	".doc": {}, ".docx": {}, ".hwp": {}, ".zip": {},
}

// renderedPathHints are path segments observed to require script execution
// on the portals this system targets.
var renderedPathHints = []string{
	"/lsSc.do", "/search", "/viewer", "/spa/", "/app/",
}

// New builds a Classifier with the default rule set.
func New() *Classifier {
	return &Classifier{rules: defaultRules()}
}

func defaultRules() []rule {
	return []rule{
		{
			name:       "static-extension",
			strategy:   ingest.StrategyDirect,
			confidence: 0.95,
			match: func(u *url.URL) bool {
				ext := strings.ToLower(path.Ext(u.Path))
				_, ok := staticExtensions[ext]
				return ok
			},
		},
		{
			name:       "fragment-routed",
			strategy:   ingest.StrategyRendered,
			confidence: 0.9,
			match: func(u *url.URL) bool {
				// Hash-bang and fragment routes are client-side only.
				return u.Fragment != "" && strings.Contains(u.Fragment, "/")
			},
		},
		{
			name:       "rendered-path-hint",
			strategy:   ingest.StrategyRendered,
			confidence: 0.8,
			match: func(u *url.URL) bool {
				p := strings.ToLower(u.Path)
				for _, hint := range renderedPathHints {
					if strings.Contains(p, strings.ToLower(hint)) {
						return true
					}
				}
				return false
			},
		},
		{
			name:       "stateful-query-shape",
			strategy:   ingest.StrategyRendered,
			confidence: 0.6,
			match: func(u *url.URL) bool {
				q := u.Query()
				// Session or view-state parameters imply a script-driven page.
				for _, key := range []string{"jsessionid", "viewstate", "__viewstate", "tabmenuid"} {
					if q.Has(key) {
						return true
					}
				}
				return false
			},
		},
		{
			name:       "plain-document-path",
			strategy:   ingest.StrategyDirect,
			confidence: 0.7,
			match: func(u *url.URL) bool {
				ext := strings.ToLower(path.Ext(u.Path))
				return ext == ".html" || ext == ".htm" || ext == ""
			},
		},
	}
}

// Classify maps a URL to a fetch strategy with a confidence score and the
// name of the winning rule. Unparseable URLs fall back to the direct path
// so the failure surfaces as a fetch error rather than a silent skip.
func (c *Classifier) Classify(rawURL string) ingest.Classification {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ingest.Classification{
			Strategy:   ingest.StrategyDirect,
			Confidence: 0.1,
			Reason:     "unparseable-url",
		}
	}
	for _, r := range c.rules {
		if r.match(u) {
			return ingest.Classification{
				Strategy:   r.strategy,
				Confidence: r.confidence,
				Reason:     r.name,
			}
		}
	}
	return ingest.Classification{
		Strategy:   ingest.StrategyDirect,
		Confidence: 0.5,
		Reason:     "default",
	}
}
