package gate

import (
	"sort"
	"strings"
	"unicode"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// Safety categories
const (
	CategoryMinors          = "sexual_content_minors"
	CategoryNonConsensual   = "non_consensual_explicit"
	CategoryHate            = "hate_harassment"
	CategoryTerrorism       = "terrorism"
	CategoryGraphicViolence = "graphic_violence"
	CategorySelfHarm        = "self_harm"
	CategoryCustom          = "custom"
)

// builtinDenylist is always enforced. Configuration can only add to it.
var builtinDenylist = map[string][]string{
	CategoryMinors: {
		"child porn", "cp", "underage", "under age", "child sexual", "minor nude", "loli",
	},
	CategoryNonConsensual: {
		"non consensual", "nonconsensual", "revenge porn", "rape", "hidden camera nude",
	},
	CategoryHate: {
		"neo nazi", "white supremacist", "hate symbol", "ethnic cleansing", "racial slur",
	},
	CategoryTerrorism: {
		"terrorist", "terrorism", "bomb making", "make a bomb", "kidnapping",
	},
	CategoryGraphicViolence: {
		"beheading", "graphic gore", "disemboweled", "dismembered", "kill him", "kill her",
	},
	CategorySelfHarm: {
		"self harm", "suicide", "kill myself",
	},
}

// Terms up to this length only match as a whole word.
const shortTermLen = 3

// SafetyGate screens prompts against the content denylist before any model invocation.
type SafetyGate struct {
	terms map[string]string // normalized term -> category
}

// NewSafetyGate builds the gate from the built-in list plus extra terms.
func NewSafetyGate(extraTerms []string) *SafetyGate {
	g := &SafetyGate{terms: make(map[string]string)}
	for category, terms := range builtinDenylist {
		for _, t := range terms {
			g.terms[normalize(t)] = category
		}
	}
	for _, t := range extraTerms {
		n := normalize(t)
		if n == "" {
			continue
		}
		if _, exists := g.terms[n]; !exists {
			g.terms[n] = CategoryCustom
		}
	}
	return g
}

// CheckPrompt returns *domain.SafetyRejection if prompt contains a denied term.
// Matching is case-insensitive. A term matches at the start of a word, so
// "terrorist" also matches "terrorists"; short terms must match a whole word,
// so "cp" does not match "cpu".
func (g *SafetyGate) CheckPrompt(prompt string) error {
	text := " " + normalize(prompt) + " "
	if strings.TrimSpace(text) == "" {
		return nil
	}

	byCategory := make(map[string][]string)
	for term, category := range g.terms {
		needle := " " + term
		if len(term) <= shortTermLen {
			needle += " "
		}
		if strings.Contains(text, needle) {
			byCategory[category] = append(byCategory[category], term)
		}
	}
	if len(byCategory) == 0 {
		return nil
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	terms := byCategory[categories[0]]
	sort.Strings(terms)
	return &domain.SafetyRejection{Category: categories[0], Terms: terms}
}

// Check screens the textual parameters of a generative stage.
func (g *SafetyGate) Check(params domain.Parameters) error {
	for _, name := range []string{domain.ParamPrompt, domain.ParamNegativePrompt} {
		text, _ := params.String(name)
		if err := g.CheckPrompt(text); err != nil {
			return err
		}
	}
	return nil
}

// normalize lowercases s and turns every run of non-alphanumerics into one space.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
