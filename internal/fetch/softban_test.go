package fetch

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func htmlHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}

func contentPage() []byte {
	return []byte(`<html><head><title>Product listing</title></head><body><main>` +
		strings.Repeat("<p>In stock and shipping today from our warehouse.</p>", 20) +
		`</main></body></html>`)
}

// TestDetectorFlagsBanStatusCodes verifies 403 and 429 are soft bans
// regardless of body content.
func TestDetectorFlagsBanStatusCodes(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector("", nil)
	require.NoError(t, err)

	sig, banned := d.Detect(http.StatusForbidden, htmlHeader(), contentPage(), 500)
	require.True(t, banned)
	require.Equal(t, "http_403", sig)

	sig, banned = d.Detect(http.StatusTooManyRequests, htmlHeader(), nil, 500)
	require.True(t, banned)
	require.Equal(t, "http_429", sig)
}

// TestDetectorIgnoresOtherErrorStatuses verifies plain server errors are not
// treated as bans; they are hard errors for the breaker, not ban signals.
func TestDetectorIgnoresOtherErrorStatuses(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector("", nil)
	require.NoError(t, err)

	_, banned := d.Detect(http.StatusInternalServerError, htmlHeader(), []byte("oops"), 500)
	require.False(t, banned)
	_, banned = d.Detect(http.StatusNotFound, htmlHeader(), nil, 500)
	require.False(t, banned)
}

// TestDetectorMatchesInterstitialTitles verifies the title regex catches
// common challenge pages hiding behind a 200.
func TestDetectorMatchesInterstitialTitles(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector("", nil)
	require.NoError(t, err)

	body := []byte(`<html><head><title>Just a moment...</title></head><body>` +
		strings.Repeat("<p>Checking your browser before accessing the site.</p>", 20) +
		`</body></html>`)
	sig, banned := d.Detect(http.StatusOK, htmlHeader(), body, 100)
	require.True(t, banned)
	require.Contains(t, sig, "Just a moment")
}

// TestDetectorMatchesBodySignatures verifies vendor challenge scripts are
// caught case-insensitively.
func TestDetectorMatchesBodySignatures(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector("", nil)
	require.NoError(t, err)

	body := []byte(`<html><head><title>Store</title>` +
		`<script src="https://ct.Captcha-Delivery.com/c.js"></script></head><body>` +
		strings.Repeat("<p>filler</p>", 100) + `</body></html>`)
	sig, banned := d.Detect(http.StatusOK, htmlHeader(), body, 100)
	require.True(t, banned)
	require.Equal(t, "captcha-delivery", sig)
}

// TestDetectorFlagsImplausiblySmallBodies verifies a 200 far below the
// domain's plausible size is treated as a disguised ban.
func TestDetectorFlagsImplausiblySmallBodies(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector("", nil)
	require.NoError(t, err)

	sig, banned := d.Detect(http.StatusOK, htmlHeader(), []byte("<html><body>ok</body></html>"), 500)
	require.True(t, banned)
	require.Equal(t, "tiny_body", sig)

	// Non-HTML payloads are exempt from the size floor.
	jsonHdr := http.Header{}
	jsonHdr.Set("Content-Type", "application/json")
	_, banned = d.Detect(http.StatusOK, jsonHdr, []byte(`{"ok":true}`), 500)
	require.False(t, banned)
}

// TestDetectorPassesOrdinaryPages verifies a normal content page is clean.
func TestDetectorPassesOrdinaryPages(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector("", nil)
	require.NoError(t, err)

	_, banned := d.Detect(http.StatusOK, htmlHeader(), contentPage(), 500)
	require.False(t, banned)
}

// TestDetectorCustomConfiguration verifies operator-supplied patterns replace
// the defaults.
func TestDetectorCustomConfiguration(t *testing.T) {
	t.Parallel()

	d, err := NewBanDetector(`(?i)blocked by policy`, []string{"x-custom-challenge"})
	require.NoError(t, err)

	body := []byte(`<html><head><title>Blocked by policy</title></head><body>` +
		strings.Repeat("<p>filler</p>", 100) + `</body></html>`)
	_, banned := d.Detect(http.StatusOK, htmlHeader(), body, 100)
	require.True(t, banned)

	// Default signatures are replaced, not merged.
	body = []byte(`<html><head><title>Store</title></head><body>cf-turnstile` +
		strings.Repeat("<p>filler</p>", 100) + `</body></html>`)
	_, banned = d.Detect(http.StatusOK, htmlHeader(), body, 100)
	require.False(t, banned)
}

// TestDetectorRejectsBadPattern verifies construction fails on an invalid
// regex.
func TestDetectorRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewBanDetector(`(unclosed`, nil)
	require.Error(t, err)
}
