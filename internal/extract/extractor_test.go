package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/ontology"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, user string) (string, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, user)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return `{"entities":[],"relations":[]}`, nil
}

func (f *fakeCompleter) ModelName() string { return "fake" }

func generalRuleset(t *testing.T) *ontology.Ontology {
	t.Helper()
	catalog, err := ontology.Load("")
	require.NoError(t, err)
	o := catalog.Get("general")
	require.NotNil(t, o)
	return o
}

func response(entities []Entity, relations []Relation, summary string, topics ...string) string {
	r := Result{Entities: entities, Relations: relations, Summary: summary, KeyTopics: topics}
	raw, _ := json.Marshal(r)
	return string(raw)
}

func TestExtract_SingleShot(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		response(
			[]Entity{{Name: "Alice", Type: "person", Description: "engineer"}},
			[]Relation{{From: "Alice", To: "Acme", Type: "works for"}},
			"Alice works at Acme.", "employment"),
	}}
	extractor := New(completer, Config{MaxInputLength: 1000})

	result, err := extractor.Extract(context.Background(), generalRuleset(t), "Alice works at Acme.")
	require.NoError(t, err)
	require.Equal(t, 1, completer.calls)
	require.Len(t, result.Entities, 1)
	require.Equal(t, "Person", result.Entities[0].Type)
	require.Len(t, result.Relations, 1)
	require.Equal(t, "WORKS_FOR", result.Relations[0].Type)
	require.Equal(t, 1.0, result.Relations[0].Weight)
}

func TestExtract_ChunkedCarriesCumulativeContext(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		response([]Entity{{Name: "Alice", Type: "Person"}}, nil, "Part one."),
		response([]Entity{{Name: "Bob", Type: "Person"}}, nil, "Part two."),
	}}
	extractor := New(completer, Config{MaxInputLength: 80})

	text := strings.Repeat("Alice appears here often. ", 4) + "\n\n" +
		strings.Repeat("Bob appears here often. ", 4)
	result, err := extractor.Extract(context.Background(), generalRuleset(t), text)
	require.NoError(t, err)
	require.Equal(t, 2, completer.calls)

	// The second prompt mentions the entity from the first chunk.
	require.NotContains(t, completer.prompts[0], "already extracted")
	require.Contains(t, completer.prompts[1], "Alice (Person)")
	require.Len(t, result.Entities, 2)
	require.Equal(t, "Part one.\n\nPart two.", result.Summary)
}

func TestExtract_TimedOutChunkIsSkipped(t *testing.T) {
	completer := &fakeCompleter{
		responses: []string{"", response([]Entity{{Name: "Bob", Type: "Person"}}, nil, "")},
		errs:      []error{&faults.UpstreamError{Provider: "llm", Kind: faults.UpstreamTimeout}, nil},
	}
	extractor := New(completer, Config{MaxInputLength: 80})

	text := strings.Repeat("Alice appears here often. ", 4) + "\n\n" +
		strings.Repeat("Bob appears here often. ", 4)
	result, err := extractor.Extract(context.Background(), generalRuleset(t), text)
	require.NoError(t, err)
	require.Equal(t, 2, completer.calls)
	require.Len(t, result.Entities, 1)
	require.Equal(t, "Bob", result.Entities[0].Name)
}

func TestExtract_HardErrorAborts(t *testing.T) {
	completer := &fakeCompleter{
		errs: []error{&faults.UpstreamError{Provider: "llm", Kind: faults.UpstreamRateLimit}},
	}
	extractor := New(completer, Config{MaxInputLength: 80})

	text := strings.Repeat("Alice appears here often. ", 4) + "\n\n" +
		strings.Repeat("Bob appears here often. ", 4)
	_, err := extractor.Extract(context.Background(), generalRuleset(t), text)
	require.Error(t, err)
	require.Equal(t, 1, completer.calls)
}

func TestExtract_CanceledParentIsNotSkipped(t *testing.T) {
	completer := &fakeCompleter{errs: []error{context.DeadlineExceeded}}
	extractor := New(completer, Config{MaxInputLength: 80, ChunkTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	text := strings.Repeat("Alice appears here often. ", 4) + "\n\n" +
		strings.Repeat("Bob appears here often. ", 4)
	_, err := extractor.Extract(ctx, generalRuleset(t), text)
	require.Error(t, err)
}

func TestParseResult_ToleratesCodeFences(t *testing.T) {
	raw := "Here is the graph:\n```json\n" +
		`{"entities":[{"name":"Acme","type":"organization"}],"relations":[]}` +
		"\n```\nDone."
	result := parseResult(raw, generalRuleset(t))
	require.Len(t, result.Entities, 1)
	require.Equal(t, "Organization", result.Entities[0].Type)
}

func TestParseResult_GarbageYieldsEmptyResult(t *testing.T) {
	o := generalRuleset(t)
	require.Empty(t, parseResult("no json at all", o).Entities)
	require.Empty(t, parseResult("{not valid json}", o).Entities)
}

func TestParseResult_DropsNamelessEntries(t *testing.T) {
	raw := `{"entities":[{"name":"  ","type":"Person"},{"name":"Bob","type":"Person"}],
		"relations":[{"from":"Bob","to":"","type":"KNOWS"}]}`
	result := parseResult(raw, generalRuleset(t))
	require.Len(t, result.Entities, 1)
	require.Empty(t, result.Relations)
}

func TestMerge_DeterministicDedup(t *testing.T) {
	a := &Result{
		Entities:  []Entity{{Name: "Alice", Type: "Person", Description: "short"}},
		Relations: []Relation{{From: "Alice", To: "Acme", Type: "WORKS_FOR"}},
		KeyTopics: []string{"Employment"},
		Summary:   "One.",
	}
	b := &Result{
		Entities: []Entity{
			{Name: "alice", Type: "Person", Description: "a much longer description"},
			{Name: "Acme", Type: "Organization"},
		},
		Relations: []Relation{
			{From: "ALICE", To: "ACME", Type: "WORKS_FOR"},
			{From: "Acme", To: "Widgets", Type: "CREATED_BY"},
		},
		KeyTopics: []string{"employment", "widgets"},
		Summary:   "Two.",
	}

	merged := Merge(a, b)
	require.Len(t, merged.Entities, 2)
	require.Equal(t, "Alice", merged.Entities[0].Name)
	require.Equal(t, "a much longer description", merged.Entities[0].Description)
	require.Len(t, merged.Relations, 2)
	require.Equal(t, []string{"Employment", "widgets"}, merged.KeyTopics)
	require.Equal(t, "One.\n\nTwo.", merged.Summary)

	// Same inputs, same output.
	again := Merge(a, b)
	require.Equal(t, merged, again)
}

func TestMerge_NilInputs(t *testing.T) {
	require.NotNil(t, Merge(nil, nil))
	r := Merge(nil, &Result{Summary: "only"})
	require.Equal(t, "only", r.Summary)
}

func TestContextSummary_RespectsBudget(t *testing.T) {
	prior := &Result{}
	for i := 0; i < 100; i++ {
		prior.Entities = append(prior.Entities, Entity{Name: fmt.Sprintf("Entity%03d", i), Type: "Person"})
	}
	summary := ContextSummary(prior, 200)
	require.NotEmpty(t, summary)
	require.LessOrEqual(t, len(summary), 200)
	require.Empty(t, ContextSummary(nil, 200))
	require.Empty(t, ContextSummary(&Result{}, 200))
}
