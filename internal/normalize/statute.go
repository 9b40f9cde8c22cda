package normalize

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

var yearPattern = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)

// StatuteHTML parses statute registry pages. These sources render the act
// title in the first content heading and scatter the enactment year across
// the title, a metadata table, or the breadcrumb trail, in that order of
// reliability.
type StatuteHTML struct {
	sourceID string
	category string
}

// NewStatuteHTML builds an adapter for one statute source.
func NewStatuteHTML(sourceID, category string) *StatuteHTML {
	return &StatuteHTML{sourceID: sourceID, category: category}
}

func (a *StatuteHTML) SourceID() string { return a.sourceID }

// Extract pulls the title, year, subject and body text from statute markup.
func (a *StatuteHTML) Extract(raw []byte) (ingest.ParsedFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return ingest.ParsedFields{}, err
	}

	parsed := ingest.ParsedFields{
		Category: a.category,
		Extra:    map[string]string{"source_id": a.sourceID},
	}

	parsed.Title = firstText(doc,
		"div.content h1",
		"article h1",
		"h1.act-title",
		"h1",
		"h2.title",
	)

	parsed.Year = extractYear(parsed.Title)
	if parsed.Year == 0 {
		doc.Find("table.metadata tr, dl.doc-meta div").EachWithBreak(func(_ int, row *goquery.Selection) bool {
			label := strings.ToLower(strings.TrimSpace(row.Find("th, dt").Text()))
			if !strings.Contains(label, "year") && !strings.Contains(label, "date") {
				return true
			}
			parsed.Year = extractYear(row.Find("td, dd").Text())
			return parsed.Year == 0
		})
	}
	if parsed.Year == 0 {
		parsed.Year = extractYear(doc.Find("nav.breadcrumb, ol.breadcrumb").Text())
	}

	parsed.Subject = firstText(doc,
		"div.subject",
		"p.subject",
		"meta[name=subject]",
	)
	if parsed.Subject == "" {
		if content, ok := doc.Find("meta[name=subject]").Attr("content"); ok {
			parsed.Subject = strings.TrimSpace(content)
		}
	}

	body := doc.Find("div.content article, div.act-body, article, div.content")
	if body.Length() > 0 {
		parsed.Body = collapseSpace(body.First().Text())
	}

	if num := strings.TrimSpace(doc.Find("span.act-number, div.act-number").First().Text()); num != "" {
		parsed.Extra["act_number"] = num
	}

	return parsed, nil
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return collapseSpace(text)
		}
	}
	return ""
}

func extractYear(text string) int {
	match := yearPattern.FindString(text)
	if match == "" {
		return 0
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return year
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
