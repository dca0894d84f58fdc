package model

import (
	"net/url"
	"strings"
)

// ExtractedRecipe is the recipe shape produced by either strategy.
type ExtractedRecipe struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps"`
	Image       string   `json:"image,omitempty"`
	Description string   `json:"description,omitempty"`
	Cuisine     string   `json:"cuisine,omitempty"`
	Category    string   `json:"category,omitempty"`
	PrepTime    string   `json:"prepTime,omitempty"`
	CleanupTime string   `json:"cleanupTime,omitempty"`
}

// FieldCount returns how many of the recipe's fields are set.
func (r *ExtractedRecipe) FieldCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range []string{r.Title, r.Image, r.Description, r.Cuisine, r.Category, r.PrepTime, r.CleanupTime} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	if len(r.Ingredients) > 0 {
		n++
	}
	if len(r.Steps) > 0 {
		n++
	}
	return n
}

// DomainOf returns the lower-case host of rawURL with a leading "www."
// removed. It returns "unknown" when the URL cannot be parsed.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
