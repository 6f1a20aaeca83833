package channel

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Color constants for message sidebars.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
)

// Platform limits on message sizes.
const (
	SlackTextLimit     = 3000
	DiscordEmbedLimit  = 4096
	DiscordTitleLimit  = 256
	GitHubTitleLimit   = 256
	GitHubBodyLimit    = 65536
	defaultTruncSuffix = "..."
)

// Format renders a stored result into a Message. An empty title falls back
// to "Agent report".
func Format(title, summary string) Message {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Agent report"
	}
	body := strings.TrimSpace(summary)

	color := ColorInfo
	if body == "" {
		color = ColorWarning
	}

	text := title
	if body != "" {
		text = title + "\n\n" + body
	}
	return Message{Title: title, Body: body, Text: text, Color: color}
}

// Truncate shortens s to at most max bytes on a word or sentence boundary,
// appending "..." when anything was removed. It never splits a UTF-8 rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	suffix := defaultTruncSuffix
	if max <= len(suffix) {
		return cutRunes(s, max)
	}
	limit := max - len(suffix)

	// Prefer the last sentence boundary that fits.
	if i := strings.LastIndex(s[:limit], ". "); i > 0 {
		return s[:i+1] + suffix
	}
	// Then the last word boundary.
	if i := strings.LastIndexAny(s[:limit], " \n\t"); i > 0 {
		return strings.TrimRight(s[:i], " \n\t") + suffix
	}
	return cutRunes(s, limit) + suffix
}

// cutRunes returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var (
	doubleStarBold = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underscoreBold = regexp.MustCompile(`__(.+?)__`)
)

// SlackMarkdown converts common Markdown bold syntax to Slack mrkdwn.
func SlackMarkdown(s string) string {
	s = doubleStarBold.ReplaceAllString(s, "*$1*")
	return underscoreBold.ReplaceAllString(s, "*$1*")
}
