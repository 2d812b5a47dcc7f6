// Package facets summarises detector output into per-label aggregates.
package facets

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/framequeue/pkg/models"
)

const (
	maxLabelBytes  = 100
	maxTextBytes   = 200
	maxTextsPerTag = 10
)

var (
	reSeparators = regexp.MustCompile(`[\s_\-]+`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Derive groups frame detections by normalized label.
// Labels are sorted by (Count DESC, MaxConfidence DESC, Label ASC).
// Returns nil when the result carries an error.
func Derive(result models.DetectionResult) *models.Facets {
	if result.Error != "" {
		return nil
	}

	type labelState struct {
		facet models.LabelFacet
		seen  map[string]bool
	}

	groups := make(map[string]*labelState)
	f := &models.Facets{FramesAnalyzed: len(result.Frames), Labels: []models.LabelFacet{}}

	for _, frame := range result.Frames {
		hit := false
		for _, l := range frame.Labels {
			name := NormalizeLabel(l.Name)
			if name == "" {
				continue
			}
			hit = true

			ls, exists := groups[name]
			if !exists {
				ls = &labelState{
					facet: models.LabelFacet{Label: name, FirstFrame: frame.Index, LastFrame: frame.Index},
					seen:  make(map[string]bool),
				}
				groups[name] = ls
			}

			ls.facet.Count++
			if l.Confidence > ls.facet.MaxConfidence {
				ls.facet.MaxConfidence = l.Confidence
			}
			if frame.Index < ls.facet.FirstFrame {
				ls.facet.FirstFrame = frame.Index
			}
			if frame.Index > ls.facet.LastFrame {
				ls.facet.LastFrame = frame.Index
			}
			if text := normalizeText(l.Text); text != "" && !ls.seen[text] && len(ls.facet.Texts) < maxTextsPerTag {
				ls.seen[text] = true
				ls.facet.Texts = append(ls.facet.Texts, text)
			}
		}
		if hit {
			f.FramesWithDetections++
		}
	}

	for _, ls := range groups {
		f.Labels = append(f.Labels, ls.facet)
	}

	sort.Slice(f.Labels, func(i, j int) bool {
		a, b := f.Labels[i], f.Labels[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.MaxConfidence != b.MaxConfidence {
			return a.MaxConfidence > b.MaxConfidence
		}
		return a.Label < b.Label
	})

	return f
}

// Valid reports whether result holds any recognizable content.
func Valid(result models.DetectionResult) bool {
	f := Derive(result)
	return f != nil && f.FramesWithDetections > 0
}

// NormalizeLabel lowercases a label and folds separators so "Kill_Feed" and
// "kill feed" group together.
func NormalizeLabel(name string) string {
	name = reSeparators.ReplaceAllString(name, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	return truncateString(name, maxLabelBytes)
}

func normalizeText(text string) string {
	text = reWhitespace.ReplaceAllString(text, " ")
	return truncateString(strings.TrimSpace(text), maxTextBytes)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
