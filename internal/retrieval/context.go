package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"concierge/internal/logging"
)

// ContextBlock is assembled retrieval context ready for the generation
// prompt, plus the sources that fed it.
type ContextBlock struct {
	Text    string
	Sources []string
}

// AssembleContext packs passages into a character budget. The best passage
// always goes first; after that, passages covering a source/section pair not
// yet represented are preferred before filling the remainder in score order.
// maxPerSource caps passages per source document (0 = no cap). A passage
// whose block does not fit the remaining budget is skipped, never truncated
// mid-passage, so the output length never exceeds budget.
func AssembleContext(passages []Passage, budget int, maxPerSource int) ContextBlock {
	if len(passages) == 0 || budget <= 0 {
		return ContextBlock{}
	}

	ordered := make([]Passage, len(passages))
	copy(ordered, passages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score() > ordered[j].Score()
	})

	var sb strings.Builder
	seenPair := make(map[string]bool)
	perSource := make(map[string]int)
	picked := make([]bool, len(ordered))
	var sources []string
	seenSource := make(map[string]bool)

	appendPassage := func(i int) bool {
		p := ordered[i]
		block := formatPassage(p)
		if sb.Len()+len(block) > budget {
			return false
		}
		sb.WriteString(block)
		picked[i] = true
		seenPair[p.SourceID+"\x00"+p.Section] = true
		perSource[p.SourceID]++
		if !seenSource[p.SourceID] && p.SourceID != "" {
			seenSource[p.SourceID] = true
			sources = append(sources, p.SourceID)
		}
		return true
	}

	// Best passage first, unconditionally preferred.
	appendPassage(0)

	// Diversity pass: new source/section pairs in score order.
	for i := 1; i < len(ordered); i++ {
		p := ordered[i]
		if seenPair[p.SourceID+"\x00"+p.Section] {
			continue
		}
		if maxPerSource > 0 && perSource[p.SourceID] >= maxPerSource {
			continue
		}
		appendPassage(i)
	}

	// Fill pass: whatever still fits, in score order.
	for i := 1; i < len(ordered); i++ {
		if picked[i] {
			continue
		}
		if maxPerSource > 0 && perSource[ordered[i].SourceID] >= maxPerSource {
			continue
		}
		appendPassage(i)
	}

	logging.RetrievalDebug("Assembled context: %d/%d chars from %d sources",
		sb.Len(), budget, len(sources))

	return ContextBlock{Text: sb.String(), Sources: sources}
}

func formatPassage(p Passage) string {
	header := p.SourceID
	if p.Section != "" {
		header = fmt.Sprintf("%s § %s", p.SourceID, p.Section)
	}
	if header == "" {
		return p.Content + "\n\n"
	}
	return fmt.Sprintf("[%s]\n%s\n\n", header, p.Content)
}
