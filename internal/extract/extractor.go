// Package extract turns document text into structured entities and
// relations via an external completion provider. Long documents are
// processed as sequential chunks, each prompt carrying a compact cumulative
// summary of what earlier chunks produced so later chunks resolve
// references instead of re-inventing duplicate entities.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/chunker"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/ontology"
	registrychat "github.com/chirino/graph-memory-service/internal/registry/chat"
)

// Entity is one extracted entity, typed against the active ruleset.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relation is one extracted relation between two named entities.
type Relation struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Result is the merged outcome of one document extraction.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Summary   string     `json:"summary"`
	KeyTopics []string   `json:"key_topics"`
}

// Config sizes the chunked extraction mode.
type Config struct {
	// MaxInputLength is the character threshold above which extraction
	// switches to chunked mode. Each chunk's prompt stays below it.
	MaxInputLength int
	// ChunkTimeout bounds each chunk's completion call. A timed-out chunk
	// is skipped; partial document coverage beats total failure.
	ChunkTimeout time.Duration
	// ContextBudget caps the cumulative-context section of chunk prompts,
	// in characters.
	ContextBudget int
}

// Extractor drives the completion provider. It is stateless per call; the
// chunk loop is an explicit fold over an accumulated Result.
type Extractor struct {
	completer registrychat.Completer
	cfg       Config
}

// New creates an Extractor.
func New(completer registrychat.Completer, cfg Config) *Extractor {
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = 24000
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 120 * time.Second
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 2000
	}
	return &Extractor{completer: completer, cfg: cfg}
}

// Extract runs single-shot extraction for short texts and sequential
// chunked extraction above the configured threshold.
func (e *Extractor) Extract(ctx context.Context, onto *ontology.Ontology, text string) (*Result, error) {
	if onto == nil {
		return nil, &faults.ValidationError{Field: "ontology", Message: "extraction requires a loadable ruleset"}
	}
	if len(text) <= e.cfg.MaxInputLength {
		result, err := e.extractOne(ctx, onto, text, nil)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return e.extractChunked(ctx, onto, text)
}

// extractChunked folds over the chunks sequentially: each step feeds the
// accumulated result back into the next prompt. The order dependency is why
// this loop must not be parallelized.
func (e *Extractor) extractChunked(ctx context.Context, onto *ontology.Ontology, text string) (*Result, error) {
	pieces := chunker.Split(text, chunker.Config{TargetSize: e.cfg.MaxInputLength})
	log.Info("Chunked extraction", "chunks", len(pieces), "chars", len(text))

	acc := &Result{}
	for _, piece := range pieces {
		chunkCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		partial, err := e.extractOne(chunkCtx, onto, piece.Text, acc)
		cancel()
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				log.Warn("Extraction chunk timed out, skipping",
					"chunk", piece.Index, "of", piece.Total)
				metrics.CountChunk("skipped")
				continue
			}
			metrics.CountChunk("failed")
			return nil, fmt.Errorf("extract chunk %d/%d: %w", piece.Index+1, piece.Total, err)
		}
		metrics.CountChunk("ok")
		acc = Merge(acc, partial)
	}
	return acc, nil
}

func (e *Extractor) extractOne(ctx context.Context, onto *ontology.Ontology, text string, prior *Result) (*Result, error) {
	system := buildSystemPrompt(onto)
	user := buildUserPrompt(text, prior, e.cfg.ContextBudget)

	raw, err := e.completer.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	return parseResult(raw, onto), nil
}

// isTimeout reports whether the chunk failure is the tolerated kind.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *faults.UpstreamError
	return errors.As(err, &ue) && ue.Kind == faults.UpstreamTimeout
}

// parseResult tolerates code-fence wrapping and leading prose by slicing
// from the first '{' to the last '}'. If parsing still fails the result is
// empty rather than an error: one bad completion must not abort the
// pipeline.
func parseResult(raw string, onto *ontology.Ontology) *Result {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		log.Warn("Extraction response contained no JSON object", "length", len(raw))
		return &Result{}
	}

	var parsed struct {
		Entities []struct {
			Name        string `json:"name"`
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"entities"`
		Relations []struct {
			From        string   `json:"from"`
			To          string   `json:"to"`
			Type        string   `json:"type"`
			Description string   `json:"description"`
			Weight      *float64 `json:"weight"`
		} `json:"relations"`
		Summary   string   `json:"summary"`
		KeyTopics []string `json:"key_topics"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		log.Warn("Extraction response failed to parse", "err", err)
		return &Result{}
	}

	result := &Result{Summary: strings.TrimSpace(parsed.Summary), KeyTopics: parsed.KeyTopics}
	for _, pe := range parsed.Entities {
		name := strings.TrimSpace(pe.Name)
		if name == "" {
			continue
		}
		result.Entities = append(result.Entities, Entity{
			Name:        name,
			Type:        onto.ResolveEntityType(pe.Type),
			Description: strings.TrimSpace(pe.Description),
		})
	}
	for _, pr := range parsed.Relations {
		from := strings.TrimSpace(pr.From)
		to := strings.TrimSpace(pr.To)
		if from == "" || to == "" {
			continue
		}
		weight := 1.0
		if pr.Weight != nil && *pr.Weight > 0 {
			weight = *pr.Weight
		}
		result.Relations = append(result.Relations, Relation{
			From:        from,
			To:          to,
			Type:        onto.ResolveRelationType(pr.Type),
			Description: strings.TrimSpace(pr.Description),
			Weight:      weight,
		})
	}
	return result
}

func buildSystemPrompt(onto *ontology.Ontology) string {
	var b strings.Builder
	b.WriteString("You extract a knowledge graph from documents. ")
	b.WriteString("Respond with a single JSON object of the form ")
	b.WriteString(`{"entities":[{"name","type","description"}],"relations":[{"from","to","type","description"}],"summary":"...","key_topics":["..."]}.`)
	b.WriteString("\n\nEntity types:\n")
	for _, t := range onto.EntityTypes {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nRelation types:\n")
	for _, t := range onto.RelationTypes {
		fmt.Fprintf(&b, "- %s: %s\n", ontology.NormalizeRelationType(t.Name), t.Description)
	}
	if g := strings.TrimSpace(onto.Guidance); g != "" {
		b.WriteString("\n")
		b.WriteString(g)
		b.WriteString("\n")
	}
	return b.String()
}

func buildUserPrompt(text string, prior *Result, contextBudget int) string {
	var b strings.Builder
	if summary := ContextSummary(prior, contextBudget); summary != "" {
		b.WriteString("Entities and relations already extracted from earlier parts of this document:\n")
		b.WriteString(summary)
		b.WriteString("\nUse the same entity names when this part refers to them; only report new information.\n\n")
	}
	b.WriteString("Document text:\n")
	b.WriteString(text)
	return b.String()
}

// ContextSummary renders the accumulated result as a compact listing capped
// at budget characters, fed to subsequent chunk prompts.
func ContextSummary(prior *Result, budget int) string {
	if prior == nil || (len(prior.Entities) == 0 && len(prior.Relations) == 0) {
		return ""
	}
	var b strings.Builder
	for _, e := range prior.Entities {
		line := fmt.Sprintf("- %s (%s)\n", e.Name, e.Type)
		if b.Len()+len(line) > budget {
			return b.String()
		}
		b.WriteString(line)
	}
	for _, r := range prior.Relations {
		line := fmt.Sprintf("- %s -%s-> %s\n", r.From, r.Type, r.To)
		if b.Len()+len(line) > budget {
			return b.String()
		}
		b.WriteString(line)
	}
	return b.String()
}
