package answer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	citationRe    = regexp.MustCompile(`\[(\d+)\]`)
	doubleSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// ScrubCitations validates bracketed citation markers against the number
// of supplied context blocks. Markers pointing at blocks that were never
// supplied are stripped from the text; the surviving indices come back
// sorted and deduplicated.
func ScrubCitations(text string, blocks int) (string, []int) {
	seen := map[int]struct{}{}
	out := citationRe.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || n < 1 || n > blocks {
			return ""
		}
		seen[n] = struct{}{}
		return m
	})
	// stripping can leave doubled spaces behind; newlines survive
	out = strings.TrimSpace(doubleSpaceRe.ReplaceAllString(out, " "))

	cited := make([]int, 0, len(seen))
	for n := range seen {
		cited = append(cited, n)
	}
	sort.Ints(cited)
	return out, cited
}
