package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/chirino/graph-memory-service/internal/extract"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/chirino/graph-memory-service/internal/ontology"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registryobject "github.com/chirino/graph-memory-service/internal/registry/object"
	registryvector "github.com/chirino/graph-memory-service/internal/registry/vector"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeGraph struct {
	memories  map[string]*model.Memory
	documents map[uuid.UUID]*model.Document
	merges    int
	lastBatch []registrygraph.EntityInput
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		memories:  map[string]*model.Memory{},
		documents: map[uuid.UUID]*model.Document{},
	}
}

func (g *fakeGraph) CreateMemory(_ context.Context, m model.Memory) (*model.Memory, error) {
	g.memories[m.ID] = &m
	return &m, nil
}

func (g *fakeGraph) GetMemory(_ context.Context, id string) (*model.Memory, error) {
	if m, ok := g.memories[id]; ok {
		return m, nil
	}
	return nil, &faults.NotFoundError{Resource: "memory", ID: id}
}

func (g *fakeGraph) ListMemories(context.Context) ([]model.Memory, error) { return nil, nil }

func (g *fakeGraph) DeleteMemory(_ context.Context, id string) error {
	delete(g.memories, id)
	for docID, doc := range g.documents {
		if doc.MemoryID == id {
			delete(g.documents, docID)
		}
	}
	return nil
}

func (g *fakeGraph) AddDocument(_ context.Context, doc model.Document) (*model.Document, error) {
	for _, existing := range g.documents {
		if existing.MemoryID == doc.MemoryID && existing.Hash == doc.Hash {
			return nil, &faults.ConflictError{Message: "document already exists: " + doc.Hash}
		}
	}
	g.documents[doc.ID] = &doc
	return &doc, nil
}

func (g *fakeGraph) GetDocument(_ context.Context, memoryID string, docID uuid.UUID) (*model.Document, error) {
	if doc, ok := g.documents[docID]; ok && doc.MemoryID == memoryID {
		return doc, nil
	}
	return nil, &faults.NotFoundError{Resource: "document", ID: docID.String()}
}

func (g *fakeGraph) GetDocumentByHash(_ context.Context, memoryID, hash string) (*model.Document, error) {
	for _, doc := range g.documents {
		if doc.MemoryID == memoryID && doc.Hash == hash {
			return doc, nil
		}
	}
	return nil, &faults.NotFoundError{Resource: "document", ID: hash}
}

func (g *fakeGraph) ListDocuments(context.Context, string) ([]model.Document, error) { return nil, nil }

func (g *fakeGraph) DeleteDocument(_ context.Context, _ string, docID uuid.UUID) error {
	delete(g.documents, docID)
	return nil
}

func (g *fakeGraph) AddEntitiesAndRelations(_ context.Context, _ string, _ uuid.UUID, entities []registrygraph.EntityInput, relations []registrygraph.RelationInput) (*registrygraph.MergeCounts, error) {
	g.merges++
	g.lastBatch = entities
	return &registrygraph.MergeCounts{
		EntitiesCreated:  len(entities),
		RelationsCreated: len(relations),
	}, nil
}

func (g *fakeGraph) SearchEntities(context.Context, string, string, int) ([]registrygraph.EntityHit, error) {
	return nil, nil
}

func (g *fakeGraph) GetEntityContext(context.Context, string, string, int) (*registrygraph.EntityContext, error) {
	return nil, &faults.NotFoundError{Resource: "entity"}
}

func (g *fakeGraph) DocumentIDsForEntities(context.Context, string, []string) ([]uuid.UUID, error) {
	return nil, nil
}

func (g *fakeGraph) GetMemoryStats(context.Context, string) (*registrygraph.MemoryStats, error) {
	return nil, nil
}

func (g *fakeGraph) ExportMemoryData(context.Context, string) (*registrygraph.Export, error) {
	return nil, nil
}

func (g *fakeGraph) ImportMemoryData(context.Context, *registrygraph.Export) (*registrygraph.ImportCounts, error) {
	return nil, nil
}

func (g *fakeGraph) CreateToken(context.Context, model.AccessToken) (*model.AccessToken, error) {
	return nil, nil
}

func (g *fakeGraph) GetTokenByHash(context.Context, string) (*model.AccessToken, error) {
	return nil, &faults.NotFoundError{Resource: "token"}
}

func (g *fakeGraph) ListTokens(context.Context) ([]model.AccessToken, error) { return nil, nil }
func (g *fakeGraph) RevokeToken(context.Context, uuid.UUID) error            { return nil }

func (g *fakeGraph) UpdateTokenMemories(context.Context, uuid.UUID, []string) (*model.AccessToken, error) {
	return nil, nil
}

type fakeVector struct {
	stored      map[string][]model.Chunk // memoryID -> chunks
	deletedDocs []uuid.UUID
	collections map[string]bool
}

func newFakeVector() *fakeVector {
	return &fakeVector{stored: map[string][]model.Chunk{}, collections: map[string]bool{}}
}

func (v *fakeVector) EnsureCollection(_ context.Context, memoryID string) error {
	v.collections[memoryID] = true
	return nil
}

func (v *fakeVector) StoreChunks(_ context.Context, memoryID string, _ uuid.UUID, chunks []model.Chunk, embeddings [][]float32) (int, error) {
	if len(chunks) != len(embeddings) {
		return 0, &faults.ValidationError{Field: "embeddings", Message: "length mismatch"}
	}
	v.collections[memoryID] = true
	v.stored[memoryID] = append(v.stored[memoryID], chunks...)
	return len(chunks), nil
}

func (v *fakeVector) Search(context.Context, string, []float32, []uuid.UUID, int) ([]registryvector.ScoredChunk, error) {
	return nil, nil
}

func (v *fakeVector) DeleteDocumentChunks(_ context.Context, memoryID string, docID uuid.UUID) (int, error) {
	v.deletedDocs = append(v.deletedDocs, docID)
	kept := v.stored[memoryID][:0]
	removed := 0
	for _, c := range v.stored[memoryID] {
		if c.DocID == docID.String() {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	v.stored[memoryID] = kept
	return removed, nil
}

func (v *fakeVector) DeleteCollection(_ context.Context, memoryID string) error {
	delete(v.collections, memoryID)
	delete(v.stored, memoryID)
	return nil
}

func (v *fakeVector) ExportCollection(context.Context, string) ([]registryvector.Point, error) {
	return nil, nil
}

func (v *fakeVector) ImportCollection(context.Context, string, []registryvector.Point) error {
	return nil
}

func (v *fakeVector) CountPoints(_ context.Context, memoryID string) (uint64, error) {
	return uint64(len(v.stored[memoryID])), nil
}

func (v *fakeVector) Name() string { return "fake" }

type fakeObject struct {
	objects map[string][]byte
	puts    int
}

func newFakeObject() *fakeObject { return &fakeObject{objects: map[string][]byte{}} }

func (o *fakeObject) Put(_ context.Context, namespace, filename string, data []byte) (*registryobject.PutResult, error) {
	o.puts++
	key := namespace + "/documents/" + filename
	o.objects[key] = data
	return &registryobject.PutResult{URI: "s3://test/" + key, Key: key, Size: int64(len(data))}, nil
}

func (o *fakeObject) Get(_ context.Context, _ string, key string) ([]byte, error) {
	if data, ok := o.objects[strings.TrimPrefix(key, "s3://test/")]; ok {
		return data, nil
	}
	return nil, &faults.NotFoundError{Resource: "object", ID: key}
}

func (o *fakeObject) Delete(_ context.Context, _ string, key string) (bool, error) {
	key = strings.TrimPrefix(key, "s3://test/")
	_, existed := o.objects[key]
	delete(o.objects, key)
	return existed, nil
}

func (o *fakeObject) Exists(_ context.Context, key string) (bool, error) {
	_, ok := o.objects[strings.TrimPrefix(key, "s3://test/")]
	return ok, nil
}

func (o *fakeObject) SignedURL(context.Context, string, time.Duration) (*url.URL, error) {
	return nil, nil
}

func (o *fakeObject) List(_ context.Context, prefix string) ([]registryobject.ObjectInfo, error) {
	var infos []registryobject.ObjectInfo
	for key, data := range o.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, registryobject.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return infos, nil
}

func (o *fakeObject) PutRaw(_ context.Context, key string, data []byte) error {
	o.objects[key] = data
	return nil
}

func (o *fakeObject) GetRaw(_ context.Context, key string) ([]byte, error) {
	if data, ok := o.objects[key]; ok {
		return data, nil
	}
	return nil, &faults.NotFoundError{Resource: "object", ID: key}
}

func (o *fakeObject) DeleteRaw(_ context.Context, key string) error {
	delete(o.objects, key)
	return nil
}

type fakeEmbedder struct {
	dimension int
	calls     int
}

func (e *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 2}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{0, 1, 2}, nil
}

func (e *fakeEmbedder) ModelName() string { return "fake" }
func (e *fakeEmbedder) Dimension() int    { return e.dimension }

type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (c *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func (c *fakeCompleter) ModelName() string { return "fake" }

type fixture struct {
	pipeline  *Pipeline
	graph     *fakeGraph
	vector    *fakeVector
	object    *fakeObject
	embedder  *fakeEmbedder
	completer *fakeCompleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := ontology.Load("")
	require.NoError(t, err)

	f := &fixture{
		graph:    newFakeGraph(),
		vector:   newFakeVector(),
		object:   newFakeObject(),
		embedder: &fakeEmbedder{dimension: 3},
		completer: &fakeCompleter{
			response: `{"entities":[{"name":"Alice","type":"person"}],"relations":[],"summary":"About Alice.","key_topics":["alice"]}`,
		},
	}
	extractor := extract.New(f.completer, extract.Config{MaxInputLength: 100000})
	f.pipeline = New(f.graph, f.vector, f.object, f.embedder, extractor, catalog, Config{
		ChunkTargetSize: 200,
		MaxDocumentSize: 1024,
		Concurrency:     2,
	})
	_, err = f.graph.CreateMemory(context.Background(), model.Memory{ID: "m1", Name: "m1", Ontology: "general"})
	require.NoError(t, err)
	return f
}

func TestIngestDocument(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.IngestDocument(context.Background(), "m1", "notes.txt", []byte("Alice builds things. She lives in Utrecht."), map[string]interface{}{"source": "test"})
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.NotNil(t, result.Document)
	require.Equal(t, "notes.txt", result.Document.Filename)
	require.Len(t, result.Document.Hash, 64)
	require.Equal(t, "About Alice.", result.Summary)
	require.Equal(t, 1, result.Merge.EntitiesCreated)
	require.Equal(t, result.Chunks, len(f.vector.stored["m1"]))
	require.Greater(t, result.Chunks, 0)

	require.Equal(t, 1, f.object.puts)
	require.Len(t, f.graph.documents, 1)
	require.Equal(t, "Alice", f.graph.lastBatch[0].Name)
}

func TestIngestDocument_DuplicateBytesAreNoOp(t *testing.T) {
	f := newFixture(t)
	data := []byte("Alice builds things.")

	first, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", data, nil)
	require.NoError(t, err)

	second, err := f.pipeline.IngestDocument(context.Background(), "m1", "b.txt", data, nil)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Document.ID, second.Document.ID)

	// None of the heavy stages ran again.
	require.Equal(t, 1, f.object.puts)
	require.Equal(t, 1, f.completer.calls)
	require.Equal(t, 1, f.graph.merges)
}

func TestIngestDocument_EmbeddingDisabledSkipsIndexing(t *testing.T) {
	f := newFixture(t)
	f.embedder.dimension = 0

	result, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", []byte("Alice builds things."), nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.Chunks)
	require.Equal(t, 0, f.embedder.calls)
	require.Empty(t, f.vector.stored["m1"])
	require.Len(t, f.graph.documents, 1)
}

func TestIngestDocument_ExtractionFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.completer.err = &faults.UpstreamError{Provider: "llm", Kind: faults.UpstreamRateLimit, Cause: fmt.Errorf("quota")}

	_, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", []byte("Alice builds things."), nil)
	require.Error(t, err)
	require.Empty(t, f.graph.documents)

	// A retry runs the whole pipeline again and succeeds.
	f.completer.err = nil
	result, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", []byte("Alice builds things."), nil)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Len(t, f.graph.documents, 1)
}

func TestIngestDocument_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", nil, nil)
	require.Equal(t, faults.ClassValidation, faults.Classify(err))

	_, err = f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", make([]byte, 2048), nil)
	require.Equal(t, faults.ClassValidation, faults.Classify(err))

	_, err = f.pipeline.IngestDocument(context.Background(), "missing", "a.txt", []byte("x"), nil)
	require.Equal(t, faults.ClassNotFound, faults.Classify(err))
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	result, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", []byte("Alice builds things."), nil)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeleteDocument(context.Background(), "m1", result.Document.ID))
	require.Empty(t, f.graph.documents)
	require.Empty(t, f.vector.stored["m1"])
	require.Empty(t, f.object.objects)

	err = f.pipeline.DeleteDocument(context.Background(), "m1", result.Document.ID)
	require.Equal(t, faults.ClassNotFound, faults.Classify(err))
}

func TestDeleteMemory(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.IngestDocument(context.Background(), "m1", "a.txt", []byte("Alice builds things."), nil)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeleteMemory(context.Background(), "m1"))
	require.Empty(t, f.graph.memories)
	require.Empty(t, f.graph.documents)
	require.False(t, f.vector.collections["m1"])
	require.Empty(t, f.object.objects)

	err = f.pipeline.DeleteMemory(context.Background(), "m1")
	require.Equal(t, faults.ClassNotFound, faults.Classify(err))
}
