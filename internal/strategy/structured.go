// Package strategy implements the two extraction strategies: reading
// structured recipe data embedded in a page, and cleaning the page for an
// AI provider to parse.
package strategy

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sells-group/recipe-extract/internal/model"
)

// ParseStructured reads the first schema.org Recipe found in the page's
// JSON-LD blocks, falling back to microdata. ok is false when the page
// carries no recipe with at least one populated field.
func ParseStructured(page string) (*model.ExtractedRecipe, bool) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, false
	}

	for _, block := range ldJSONBlocks(doc) {
		var v any
		if err := json.Unmarshal([]byte(block), &v); err != nil {
			continue
		}
		if node := findRecipeNode(v); node != nil {
			if r := recipeFromLD(node); r.FieldCount() > 0 {
				return r, true
			}
		}
	}

	if r := recipeFromMicrodata(doc); r != nil && r.FieldCount() > 0 {
		return r, true
	}
	return nil, false
}

func ldJSONBlocks(doc *html.Node) []string {
	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script &&
			strings.EqualFold(strings.TrimSpace(attr(n, "type")), "application/ld+json") {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			blocks = append(blocks, strings.TrimSpace(sb.String()))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks
}

// findRecipeNode searches arrays, @graph containers and mainEntity links.
func findRecipeNode(v any) map[string]any {
	switch t := v.(type) {
	case []any:
		for _, it := range t {
			if n := findRecipeNode(it); n != nil {
				return n
			}
		}
	case map[string]any:
		if isRecipeType(t["@type"]) {
			return t
		}
		for _, k := range []string{"@graph", "mainEntity", "mainEntityOfPage"} {
			if n := findRecipeNode(t[k]); n != nil {
				return n
			}
		}
	}
	return nil
}

func isRecipeType(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "Recipe" || strings.HasSuffix(t, "/Recipe") || strings.HasSuffix(t, ":Recipe")
	case []any:
		for _, it := range t {
			if isRecipeType(it) {
				return true
			}
		}
	}
	return false
}

func recipeFromLD(n map[string]any) *model.ExtractedRecipe {
	return &model.ExtractedRecipe{
		Title:       str(firstOf(n, "name", "headline")),
		Ingredients: list(firstOf(n, "recipeIngredient", "ingredients")),
		Steps:       list(n["recipeInstructions"]),
		Image:       str(n["image"]),
		Description: str(n["description"]),
		Cuisine:     joined(n["recipeCuisine"]),
		Category:    joined(n["recipeCategory"]),
		PrepTime:    str(n["prepTime"]),
		// The product displays cleanupTime as the cook time.
		CleanupTime: str(firstOf(n, "cookTime", "totalTime")),
	}
}

func recipeFromMicrodata(doc *html.Node) *model.ExtractedRecipe {
	scope := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && isRecipeType(attr(n, "itemtype"))
	})
	if scope == nil {
		return nil
	}

	r := &model.ExtractedRecipe{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		descend := true
		if n.Type == html.ElementNode && n != scope {
			for _, prop := range strings.Fields(attr(n, "itemprop")) {
				val := itemValue(n)
				switch prop {
				case "name":
					if r.Title == "" {
						r.Title = val
					}
				case "recipeIngredient", "ingredients":
					if val != "" {
						r.Ingredients = append(r.Ingredients, val)
					}
				case "recipeInstructions":
					r.Steps = append(r.Steps, instructionLines(n)...)
					descend = false
				case "image":
					if r.Image == "" {
						r.Image = val
					}
				case "description":
					r.Description = val
				case "recipeCuisine":
					r.Cuisine = val
				case "recipeCategory":
					r.Category = val
				case "prepTime":
					r.PrepTime = val
				case "cookTime":
					r.CleanupTime = val
				}
			}
			// Properties inside a nested item belong to that item.
			if hasAttr(n, "itemscope") {
				descend = false
			}
		}
		if !descend {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(scope)
	return r
}

// itemValue reads a microdata property value per the element kind.
func itemValue(n *html.Node) string {
	switch n.DataAtom {
	case atom.Meta:
		return str(attr(n, "content"))
	case atom.Img, atom.Source:
		return str(attr(n, "src"))
	case atom.A, atom.Link:
		return str(attr(n, "href"))
	case atom.Time:
		if dt := attr(n, "datetime"); dt != "" {
			return str(dt)
		}
	}
	if c := attr(n, "content"); c != "" {
		return str(c)
	}
	return strings.Join(strings.Fields(textOf(n)), " ")
}

// instructionLines splits an instructions container into its list items,
// or returns its text as one step.
func instructionLines(n *html.Node) []string {
	var items []string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Li || c.DataAtom == atom.P) {
			if s := strings.Join(strings.Fields(textOf(c)), " "); s != "" {
				items = append(items, s)
			}
			return
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	if len(items) > 0 {
		return items
	}
	if s := strings.Join(strings.Fields(textOf(n)), " "); s != "" {
		return []string{s}
	}
	return nil
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textOf(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
