package normalize

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// GazetteHTML parses official gazette notice pages. Gazette markup is
// table-heavy: the notice title sits in a caption or the first bold cell,
// and the publication date row is the only reliable year source.
type GazetteHTML struct {
	sourceID string
	category string
}

// NewGazetteHTML builds an adapter for one gazette source.
func NewGazetteHTML(sourceID, category string) *GazetteHTML {
	return &GazetteHTML{sourceID: sourceID, category: category}
}

func (a *GazetteHTML) SourceID() string { return a.sourceID }

// Extract pulls notice fields from gazette markup.
func (a *GazetteHTML) Extract(raw []byte) (ingest.ParsedFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return ingest.ParsedFields{}, err
	}

	parsed := ingest.ParsedFields{
		Category: a.category,
		Extra:    map[string]string{"source_id": a.sourceID},
	}

	parsed.Title = firstText(doc,
		"table.notice caption",
		"td.notice-title",
		"h1.notice-title",
		"h1",
	)
	if parsed.Title == "" {
		parsed.Title = collapseSpace(doc.Find("table tr td b, table tr td strong").First().Text())
	}

	doc.Find("table tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		label := strings.ToLower(strings.TrimSpace(row.Find("td").First().Text()))
		switch {
		case strings.Contains(label, "publication date"), strings.Contains(label, "gazette date"):
			parsed.Year = extractYear(row.Find("td").Last().Text())
		case strings.Contains(label, "notice number"):
			parsed.Extra["notice_number"] = strings.TrimSpace(row.Find("td").Last().Text())
		case strings.Contains(label, "ministry"), strings.Contains(label, "department"):
			parsed.Subject = collapseSpace(row.Find("td").Last().Text())
		}
		return true
	})
	if parsed.Year == 0 {
		parsed.Year = extractYear(parsed.Title)
	}

	body := doc.Find("div.notice-body, td.notice-body, article")
	if body.Length() > 0 {
		parsed.Body = collapseSpace(body.First().Text())
	}

	return parsed, nil
}
