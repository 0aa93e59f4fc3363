package fetch

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultBanTitlePattern matches interstitial page titles used by common
// anti-bot vendors.
const DefaultBanTitlePattern = `(?i)(just a moment|attention required|security check|access denied|cloudflare|captcha)`

// DefaultBanBodySignatures are substrings that identify challenge scripts
// embedded in otherwise 200-looking pages.
var DefaultBanBodySignatures = []string{
	"captcha-delivery",
	"cf-turnstile",
	"datadome",
	"challenge-platform",
}

// BanDetector decides whether a response is a disguised refusal rather than
// real content. Safe for concurrent use once built.
type BanDetector struct {
	titleRe    *regexp.Regexp
	signatures []string
}

// NewBanDetector compiles a detector. Empty inputs fall back to the defaults.
func NewBanDetector(titlePattern string, bodySignatures []string) (*BanDetector, error) {
	if titlePattern == "" {
		titlePattern = DefaultBanTitlePattern
	}
	re, err := regexp.Compile(titlePattern)
	if err != nil {
		return nil, fmt.Errorf("compile ban title pattern: %w", err)
	}
	if len(bodySignatures) == 0 {
		bodySignatures = DefaultBanBodySignatures
	}
	lowered := make([]string, len(bodySignatures))
	for i, s := range bodySignatures {
		lowered[i] = strings.ToLower(s)
	}
	return &BanDetector{titleRe: re, signatures: lowered}, nil
}

// Detect inspects a response and returns a ban signature when the page is a
// block interstitial. minBytes is the smallest body size considered plausible
// for the domain; a 200 below it is treated as a disguised ban.
func (d *BanDetector) Detect(status int, header http.Header, body []byte, minBytes int) (string, bool) {
	switch status {
	case http.StatusForbidden:
		return "http_403", true
	case http.StatusTooManyRequests:
		return "http_429", true
	}
	if status < 200 || status >= 300 {
		return "", false
	}

	lowered := bytes.ToLower(body)
	for _, sig := range d.signatures {
		if bytes.Contains(lowered, []byte(sig)) {
			return sig, true
		}
	}
	if title := pageTitle(body); title != "" && d.titleRe.MatchString(title) {
		return "title:" + strings.TrimSpace(title), true
	}
	if isHTML(header) && len(body) < minBytes {
		return "tiny_body", true
	}
	return "", false
}

func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return doc.Find("title").First().Text()
}

func isHTML(header http.Header) bool {
	ct := header.Get("Content-Type")
	return ct == "" || strings.Contains(ct, "text/html")
}
