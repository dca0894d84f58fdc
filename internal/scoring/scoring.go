// Package scoring validates extracted recipes and computes their
// completeness score.
package scoring

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/recipe-extract/internal/model"
)

// Expected recipe fields, in reporting order.
const (
	FieldTitle       = "title"
	FieldIngredients = "ingredients"
	FieldSteps       = "steps"
	FieldPrepTime    = "prepTime"
	FieldCleanupTime = "cleanupTime"
	FieldCategory    = "category"
)

// Fields lists the expected fields.
var Fields = []string{FieldTitle, FieldIngredients, FieldSteps, FieldPrepTime, FieldCleanupTime, FieldCategory}

const maxTitleLen = 300

// Categorizer assigns a category with a confidence in [0,1].
type Categorizer interface {
	Categorize(ctx context.Context, r *model.ExtractedRecipe) (category string, confidence float64, err error)
}

// Result is the outcome of scoring one recipe.
type Result struct {
	Success            bool                    `json:"success"`
	Completeness       float64                 `json:"completeness"`
	MissingFields      []string                `json:"missing_fields"`
	Issues             []model.ValidationIssue `json:"issues,omitempty"`
	CategoryConfidence *float64                `json:"category_confidence,omitempty"`
}

// Scorer weighs the expected fields. Weight keys match case-insensitively,
// since config loaders tend to lower-case map keys.
type Scorer struct {
	weights     map[string]float64
	total       float64
	categorizer Categorizer
}

// New creates a Scorer. Fields without a positive weight do not count.
// When no field has a positive weight every field weighs 1. categorizer
// may be nil.
func New(weights map[string]float64, categorizer Categorizer) *Scorer {
	lower := make(map[string]float64, len(weights))
	for k, v := range weights {
		lower[strings.ToLower(k)] = v
	}

	s := &Scorer{weights: make(map[string]float64, len(Fields)), categorizer: categorizer}
	for _, f := range Fields {
		if w := lower[strings.ToLower(f)]; w > 0 {
			s.weights[f] = w
			s.total += w
		}
	}
	if s.total == 0 {
		for _, f := range Fields {
			s.weights[f] = 1
		}
		s.total = float64(len(Fields))
	}
	return s
}

// Weight returns the effective weight of field.
func (s *Scorer) Weight(field string) float64 {
	return s.weights[field]
}

// Score validates r and computes completeness. A nil recipe scores zero.
// Success requires a non-empty title. A category assigned by the
// categorizer is written into r when r has none.
func (s *Scorer) Score(ctx context.Context, r *model.ExtractedRecipe) Result {
	if r == nil {
		return Result{
			MissingFields: append([]string(nil), Fields...),
			Issues:        []model.ValidationIssue{{Field: FieldTitle, Code: "required", Message: "no recipe was extracted"}},
		}
	}

	var res Result
	if s.categorizer != nil {
		cat, conf, err := s.categorizer.Categorize(ctx, r)
		if err != nil {
			zap.L().Warn("scoring: categorize failed", zap.Error(err))
		} else {
			if strings.TrimSpace(r.Category) == "" {
				r.Category = cat
			}
			conf = min(max(conf, 0), 1)
			res.CategoryConfidence = &conf
		}
	}

	var got float64
	for _, f := range Fields {
		if present(r, f) {
			got += s.weights[f]
			continue
		}
		res.MissingFields = append(res.MissingFields, f)
	}
	res.Completeness = got / s.total
	res.Issues = validate(r)
	res.Success = present(r, FieldTitle)
	return res
}

func present(r *model.ExtractedRecipe, field string) bool {
	switch field {
	case FieldTitle:
		return strings.TrimSpace(r.Title) != ""
	case FieldIngredients:
		return nonBlank(r.Ingredients)
	case FieldSteps:
		return nonBlank(r.Steps)
	case FieldPrepTime:
		return strings.TrimSpace(r.PrepTime) != ""
	case FieldCleanupTime:
		return strings.TrimSpace(r.CleanupTime) != ""
	case FieldCategory:
		return strings.TrimSpace(r.Category) != ""
	}
	return false
}

func nonBlank(items []string) bool {
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			return true
		}
	}
	return false
}

func validate(r *model.ExtractedRecipe) []model.ValidationIssue {
	var issues []model.ValidationIssue
	add := func(field, code, msg string) {
		issues = append(issues, model.ValidationIssue{Field: field, Code: code, Message: msg})
	}

	switch {
	case strings.TrimSpace(r.Title) == "":
		add(FieldTitle, "required", "title is required")
	case len([]rune(r.Title)) > maxTitleLen:
		add(FieldTitle, "too_long", "title exceeds 300 characters")
	}
	if !nonBlank(r.Ingredients) {
		add(FieldIngredients, "empty", "no ingredients found")
	}
	if !nonBlank(r.Steps) {
		add(FieldSteps, "empty", "no steps found")
	}
	return issues
}

// Normalize returns a cleaned copy of r: NFC text, collapsed whitespace,
// blank list entries dropped and an all-caps title recased.
func Normalize(r *model.ExtractedRecipe) *model.ExtractedRecipe {
	if r == nil {
		return nil
	}
	out := &model.ExtractedRecipe{
		Title:       cleanText(r.Title),
		Ingredients: cleanList(r.Ingredients),
		Steps:       cleanList(r.Steps),
		Image:       strings.TrimSpace(r.Image),
		Description: cleanText(r.Description),
		Cuisine:     cleanText(r.Cuisine),
		Category:    cleanText(r.Category),
		PrepTime:    cleanText(r.PrepTime),
		CleanupTime: cleanText(r.CleanupTime),
	}
	if isShouting(out.Title) {
		// A Caser carries state and is not safe for concurrent use.
		out.Title = cases.Title(language.English).String(strings.ToLower(out.Title))
	}
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func cleanList(items []string) []string {
	var out []string
	for _, it := range items {
		if c := cleanText(it); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func isShouting(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if unicode.IsLower(r) {
				return false
			}
			letters++
		}
	}
	return letters > 3
}
