// Package textpatch replaces a block of text inside a larger artifact.
// Replacement degrades through three tiers: exact match, fuzzy match
// over a sliding line window, and finally an explicit append so the
// refined block is never silently dropped.
package textpatch

import (
	"strings"
)

// DefaultThreshold is the minimum line-set similarity a fuzzy window
// must reach to be replaced.
const DefaultThreshold = 0.7

// AppendMarker precedes a block appended because neither tier located
// the original text.
const AppendMarker = "# refined block (could not locate original):"

// Result reports which tier produced the patched artifact.
type Result struct {
	Artifact string
	// Fuzzy is true when the similarity tier replaced a window.
	Fuzzy bool
	// Appended is true when the block was appended under AppendMarker.
	Appended bool
}

// Substitute replaces the first occurrence of original in source with
// replacement. threshold <= 0 selects DefaultThreshold.
func Substitute(source, original, replacement string, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if original != "" && strings.Contains(source, original) {
		return Result{Artifact: strings.Replace(source, original, replacement, 1)}
	}
	if patched, ok := fuzzyReplace(source, original, replacement, threshold); ok {
		return Result{Artifact: patched, Fuzzy: true}
	}
	var b strings.Builder
	b.WriteString(source)
	if !strings.HasSuffix(source, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("\n" + AppendMarker + "\n")
	b.WriteString(replacement)
	if !strings.HasSuffix(replacement, "\n") {
		b.WriteByte('\n')
	}
	return Result{Artifact: b.String(), Appended: true}
}

// fuzzyReplace slides a window of len(original lines) over the source
// and replaces the most similar window when it clears the threshold.
// Ties keep the earliest window.
func fuzzyReplace(source, original, replacement string, threshold float64) (string, bool) {
	origLines := splitBlock(original)
	if len(origLines) == 0 {
		return "", false
	}
	srcLines := strings.Split(source, "\n")
	if len(srcLines) < len(origLines) {
		return "", false
	}

	origSet := lineSet(origLines)
	if len(origSet) == 0 {
		return "", false
	}

	bestIdx, bestSim := -1, 0.0
	for i := 0; i+len(origLines) <= len(srcLines); i++ {
		sim := jaccard(origSet, lineSet(srcLines[i:i+len(origLines)]))
		if sim > bestSim {
			bestIdx, bestSim = i, sim
		}
	}
	if bestIdx < 0 || bestSim < threshold {
		return "", false
	}

	out := make([]string, 0, len(srcLines))
	out = append(out, srcLines[:bestIdx]...)
	out = append(out, splitBlock(replacement)...)
	out = append(out, srcLines[bestIdx+len(origLines):]...)
	return strings.Join(out, "\n"), true
}

// splitBlock splits into lines, dropping a single trailing newline so
// block boundaries do not contribute an empty line.
func splitBlock(block string) []string {
	block = strings.TrimSuffix(block, "\n")
	if block == "" {
		return nil
	}
	return strings.Split(block, "\n")
}

// lineSet collects trimmed, non-blank lines.
func lineSet(lines []string) map[string]struct{} {
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for l := range a {
		if _, ok := b[l]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
