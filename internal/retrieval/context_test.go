package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passage(content, source, section string, score float64) Passage {
	return Passage{Content: content, SourceID: source, Section: section, Similarity: score}
}

func TestAssembleContext(t *testing.T) {
	t.Run("best passage always included first", func(t *testing.T) {
		passages := []Passage{
			passage("second best", "a.md", "one", 0.8),
			passage("the best answer", "b.md", "two", 0.95),
		}

		block := AssembleContext(passages, 10000, 0)
		idx := strings.Index(block.Text, "the best answer")
		require.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, strings.Index(block.Text, "second best"))
	})

	t.Run("budget is never exceeded", func(t *testing.T) {
		long := strings.Repeat("x", 400)
		passages := []Passage{
			passage(long, "a.md", "1", 0.9),
			passage(long, "a.md", "2", 0.8),
			passage(long, "b.md", "1", 0.7),
			passage(long, "c.md", "1", 0.6),
		}

		for _, budget := range []int{100, 450, 900, 5000} {
			block := AssembleContext(passages, budget, 0)
			assert.LessOrEqual(t, len(block.Text), budget, "budget %d", budget)
		}
	})

	t.Run("source diversity preferred over score order", func(t *testing.T) {
		// Three high-scoring chunks from one source, one lower chunk from
		// another. With a tight budget the second source still gets in.
		chunk := strings.Repeat("r", 200)
		other := strings.Repeat("p", 200)
		passages := []Passage{
			passage(chunk+"1", "resume.md", "work", 0.9),
			passage(chunk+"2", "resume.md", "work", 0.85),
			passage(chunk+"3", "resume.md", "work", 0.8),
			passage(other, "projects.md", "list", 0.5),
		}

		// Budget fits roughly two blocks.
		block := AssembleContext(passages, 460, 0)
		assert.Contains(t, block.Text, "projects.md")
		assert.Equal(t, []string{"resume.md", "projects.md"}, block.Sources)
	})

	t.Run("max per source caps repeats", func(t *testing.T) {
		passages := []Passage{
			passage("one", "a.md", "1", 0.9),
			passage("two", "a.md", "2", 0.8),
			passage("three", "a.md", "3", 0.7),
		}

		block := AssembleContext(passages, 10000, 2)
		assert.Contains(t, block.Text, "one")
		assert.Contains(t, block.Text, "two")
		assert.NotContains(t, block.Text, "three")
	})

	t.Run("empty input gives empty block", func(t *testing.T) {
		block := AssembleContext(nil, 1000, 0)
		assert.Empty(t, block.Text)
		assert.Empty(t, block.Sources)
	})

	t.Run("rerank score outranks similarity", func(t *testing.T) {
		relevance := 0.99
		passages := []Passage{
			{Content: "vector favorite", SourceID: "a.md", Similarity: 0.9},
			{Content: "rerank favorite", SourceID: "b.md", Similarity: 0.5, Relevance: &relevance},
		}

		block := AssembleContext(passages, 10000, 0)
		assert.Less(t, strings.Index(block.Text, "rerank favorite"),
			strings.Index(block.Text, "vector favorite"))
	})
}
