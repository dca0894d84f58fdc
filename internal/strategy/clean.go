package strategy

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/sells-group/recipe-extract/internal/model"
)

const (
	// MaxCleanedChars bounds the text sent to a provider.
	MaxCleanedChars = 100_000
	// MaxCleanedCharsGemini is the tighter bound used for Gemini models.
	MaxCleanedCharsGemini = 50_000
	// MinCleanedChars is the least cleaned text worth sending.
	MinCleanedChars = 100

	// truncateLead keeps this much context before the first recipe keyword
	// when a page must be truncated.
	truncateLead = 2000
)

var (
	dropBlocks = func() []*regexp.Regexp {
		tags := []string{"script", "style", "noscript", "svg", "nav", "footer", "header", "aside", "iframe", "form"}
		out := make([]*regexp.Regexp, len(tags))
		for i, tag := range tags {
			out[i] = regexp.MustCompile(`(?is)<` + tag + `\b[^>]*>.*?</` + tag + `\s*>`)
		}
		return out
	}()
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockBreakRe = regexp.MustCompile(`(?i)<(?:br|/?(?:p|div|li|ul|ol|h[1-6]|tr|table|section|article|main|dd|dt))\b[^>]*>`)
	tagOpenRe    = regexp.MustCompile(`<`)
	keywordRe    = regexp.MustCompile(`(?i)ingredient|instruction|direction|method`)

	textPolicy = bluemonday.StrictPolicy()
)

// MaxCharsFor returns the cleaned-text bound for a provider.
func MaxCharsFor(p model.Provider) int {
	if p.IsGemini() {
		return MaxCleanedCharsGemini
	}
	return MaxCleanedChars
}

// CleanHTML reduces a page to plain text: page chrome, scripts and comments
// are dropped, tags stripped, entities decoded and whitespace collapsed.
// Block elements become line breaks. The result holds at most maxChars
// runes, starting shortly before the first recipe keyword when truncated.
func CleanHTML(page string, maxChars int) string {
	s := commentRe.ReplaceAllString(page, " ")
	for _, re := range dropBlocks {
		s = re.ReplaceAllString(s, " ")
	}
	s = blockBreakRe.ReplaceAllString(s, "\n")
	s = tagOpenRe.ReplaceAllString(s, " <")
	s = textPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if l := strings.Join(strings.Fields(line), " "); l != "" {
			lines = append(lines, l)
		}
	}
	return truncate(strings.Join(lines, "\n"), maxChars)
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	start := 0
	if loc := keywordRe.FindStringIndex(s); loc != nil {
		start = max(utf8.RuneCountInString(s[:loc[0]])-truncateLead, 0)
	}
	if start+maxChars > len(runes) {
		start = len(runes) - maxChars
	}
	return string(runes[start : start+maxChars])
}
