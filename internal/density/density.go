// Package density scores fast-path HTML to decide whether a page is likely
// client-rendered and needs the slow (headless) path.
//
// The score is a heuristic, not a guarantee: an unneeded slow-path escalation
// is an acceptable cost, a missed dynamic page is a tunable trade-off.
package density

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Weight factors combining the component metrics into the final score.
const (
	textDensityWeight = 0.4
	linkDensityWeight = 0.2
	tagScoreWeight    = 0.2

	highValueTagScore = 1.5
	lowValueTagScore  = 0.5
)

// Markers injected by common SPA frameworks. Their presence is reported in
// Metrics for observability; routing itself stays purely threshold-based so
// the decision is deterministic for a given body.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// Metrics is the detailed density breakdown for one page.
type Metrics struct {
	TextDensity float64
	LinkDensity float64
	TagScore    float64
	Score       float64
	SPAMarker   bool
}

// Compute parses the body and derives all component metrics.
// Score = 0.4*text + 0.2*link + 0.2*tag.
func Compute(body []byte) Metrics {
	m := Metrics{SPAMarker: hasSPAMarker(body)}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return m
	}

	m.TextDensity = textDensity(doc, len(body))
	m.LinkDensity = linkDensity(doc)
	m.TagScore = tagScore(doc)
	m.Score = textDensityWeight*m.TextDensity +
		linkDensityWeight*m.LinkDensity +
		tagScoreWeight*m.TagScore
	return m
}

// Router makes the fast/slow decision against a fixed threshold.
type Router struct {
	threshold float64
}

// NewRouter builds a Router. Threshold 0 keeps every page on the fast path.
func NewRouter(threshold float64) *Router {
	return &Router{threshold: threshold}
}

// ShouldEscalate reports whether the body scores below the threshold and the
// slow path is required. Scores at or above the threshold never escalate.
func (r *Router) ShouldEscalate(body []byte) bool {
	return Compute(body).Score < r.threshold
}

func textDensity(doc *goquery.Document, htmlLen int) float64 {
	if htmlLen == 0 {
		return 0
	}
	words := len(strings.Fields(doc.Find("body").Text()))
	// Normalize to 0-1 assuming roughly ten characters per word.
	ratio := float64(words) * 10.0 / float64(htmlLen)
	if ratio > 1 {
		return 1
	}
	return ratio
}

func linkDensity(doc *goquery.Document) float64 {
	total := len(strings.TrimSpace(doc.Find("body").Text()))
	if total == 0 {
		return 0
	}
	linkText := 0
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		linkText += len(strings.TrimSpace(s.Text()))
	})
	// Inverted: content-rich pages carry proportionally less link text.
	ratio := float64(linkText) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return 1 - ratio
}

func tagScore(doc *goquery.Document) float64 {
	if doc.Find("article, main").Length() > 0 {
		return highValueTagScore
	}
	return lowValueTagScore
}

func hasSPAMarker(body []byte) bool {
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
