package strategy

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recipe-extract/internal/model"
)

var (
	// ErrNoJSON means the completion held no JSON object.
	ErrNoJSON = eris.New("strategy: no json object in completion")
	// ErrContentTooShort means the cleaned page is too small to hold a recipe.
	ErrContentTooShort = eris.New("strategy: cleaned content too short")
)

const systemPrompt = "You extract recipes from web page text. Reply with a single JSON object and nothing else."

const promptTemplate = `Extract recipe information from this page text and return ONLY a JSON object with these exact fields:
{
  "title": "recipe name",
  "ingredients": ["ingredient 1", "ingredient 2"],
  "steps": ["step 1", "step 2"],
  "image": "image url or null",
  "description": "brief description",
  "cuisine": "cuisine type",
  "category": "recipe category",
  "prepTime": "prep time",
  "cleanupTime": "cook time"
}
Use an empty string or empty list for anything the page does not state.

Page text:
`

// SystemPrompt is sent alongside every extraction prompt.
func SystemPrompt() string { return systemPrompt }

// BuildPrompt wraps cleaned page text in the extraction instructions.
func BuildPrompt(cleaned string) string {
	return promptTemplate + cleaned
}

// ParseCompletion decodes a model reply into a recipe. Markdown fences and
// text around the outermost JSON object are ignored.
func ParseCompletion(text string) (*model.ExtractedRecipe, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &m); err != nil {
		return nil, eris.Wrap(err, "strategy: decode completion")
	}
	if r, ok := m["recipe"].(map[string]any); ok {
		m = r
	}

	return &model.ExtractedRecipe{
		Title:       str(firstOf(m, "title", "name")),
		Ingredients: list(firstOf(m, "ingredients", "recipeIngredient")),
		Steps:       list(firstOf(m, "steps", "instructions", "recipeInstructions")),
		Image:       nullish(str(m["image"])),
		Description: str(m["description"]),
		Cuisine:     joined(m["cuisine"]),
		Category:    joined(m["category"]),
		PrepTime:    str(m["prepTime"]),
		CleanupTime: str(firstOf(m, "cleanupTime", "cookTime")),
	}, nil
}

// nullish maps the literal strings models emit for missing values to "".
func nullish(s string) string {
	switch strings.ToLower(s) {
	case "null", "none", "n/a", "image_url_or_null", "image url or null":
		return ""
	}
	return s
}
