package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplit_EmptyInput(t *testing.T) {
	require.Nil(t, Split("", Config{TargetSize: 100}))
	require.Nil(t, Split("  \n\n  \n", Config{TargetSize: 100}))
}

func TestSplit_SingleSmallSection(t *testing.T) {
	pieces := Split("One short paragraph.", Config{TargetSize: 100})
	require.Len(t, pieces, 1)
	require.Equal(t, "One short paragraph.", pieces[0].Text)
	require.Equal(t, 0, pieces[0].Index)
	require.Equal(t, 1, pieces[0].Total)
	require.Equal(t, len(pieces[0].Text), pieces[0].CharCount)
	require.Positive(t, pieces[0].TokenEstimate)
}

func TestSplit_GreedyAccumulationRespectsTarget(t *testing.T) {
	para := strings.Repeat("word ", 20) // ~100 chars
	text := strings.TrimSpace(strings.Repeat(para+"\n\n", 6))

	pieces := Split(text, Config{TargetSize: 250})
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		require.Equal(t, len(pieces), p.Total)
		// Greedy packing may slightly exceed target but never past the
		// oversize threshold that triggers a line re-split.
		require.LessOrEqual(t, float64(p.CharCount), 1.5*250)
	}
}

func TestSplit_NeverBreaksMidLine(t *testing.T) {
	// One giant section: many lines, no blank lines.
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "This is line number "+strings.Repeat("x", 30)+".")
	}
	text := strings.Join(lines, "\n")

	pieces := Split(text, Config{TargetSize: 200})
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		for _, line := range strings.Split(p.Text, "\n") {
			require.True(t, strings.HasSuffix(line, "."), "line was cut: %q", line)
		}
	}
}

func TestSplit_SectionMetadata(t *testing.T) {
	text := "Article 12 Data Retention\nPersonal data shall be erased after two years.\n\n" +
		"# Scope\nThis regulation applies to all controllers."

	pieces := Split(text, Config{TargetSize: 60})
	require.Len(t, pieces, 2)
	require.Equal(t, "12", pieces[0].ArticleNumber)
	require.Contains(t, pieces[0].SectionTitle, "Article 12")
	require.Equal(t, "Scope", pieces[1].SectionTitle)
}

func TestSplit_OverlapCarriesWholeSentences(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one ends this.\n\n" +
		"Next section begins with its own text and keeps going for a while."

	pieces := Split(text, Config{TargetSize: 70, Overlap: 30})
	require.Len(t, pieces, 2)
	require.True(t, strings.HasPrefix(pieces[1].Text, "Third one ends this."),
		"overlap should be the last complete sentence, got: %q", pieces[1].Text)
	require.NotContains(t, pieces[1].Text, "Second sentence")
}

func TestSplit_NoOverlapWhenDisabled(t *testing.T) {
	text := "First sentence here. Second sentence follows.\n\nNext section text."
	pieces := Split(text, Config{TargetSize: 40})
	require.Len(t, pieces, 2)
	require.Equal(t, "Next section text.", pieces[1].Text)
}

func TestTrailingSentences(t *testing.T) {
	require.Equal(t, "Second.", trailingSentences("First one. Second.", 10))
	require.Equal(t, "First one. Second.", trailingSentences("First one. Second.", 50))
	// Incomplete trailing sentence yields nothing.
	require.Equal(t, "", trailingSentences("First one. Second half without end", 50))
	require.Equal(t, "", trailingSentences("", 50))
}
