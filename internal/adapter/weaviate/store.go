package weaviate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"golang.org/x/sync/singleflight"

	"pdfrag/internal/retrieval"
	"pdfrag/internal/vector"
	"pdfrag/internal/worker"
)

type Store struct {
	client *weaviate.Client
	schema vector.SchemaClient

	group   singleflight.Group
	mu      sync.RWMutex
	ensured map[string]int
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{
		client:  client,
		schema:  schemaClient{client: client},
		ensured: make(map[string]int),
	}
}

// EnsureCollection makes sure collection exists for vectors of dimension.
// Concurrent callers in this process share one schema round trip, and a
// collection already confirmed is not checked again.
func (s *Store) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	s.mu.RLock()
	known, ok := s.ensured[collection]
	s.mu.RUnlock()
	if ok {
		if known != dimension {
			return fmt.Errorf("%w: collection %q stores %d, embedder returned %d", vector.ErrDimensionMismatch, collection, known, dimension)
		}
		return nil
	}

	key := fmt.Sprintf("%s#%d", collection, dimension)
	_, err, _ := s.group.Do(key, func() (interface{}, error) {
		if err := vector.EnsureCollection(ctx, s.schema, collection, dimension); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.ensured[collection] = dimension
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Upsert writes chunks in one batch. Object ids are the chunk ids, so
// writing the same document again replaces its objects.
func (s *Store) Upsert(ctx context.Context, collection string, chunks []worker.EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	className := vector.ClassName(collection)

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:      className,
			ID:         strfmt.UUID(c.Chunk.ID),
			Properties: chunkProperties(c.Chunk),
			Vector:     c.Vector,
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}

	var failed []int
	var messages []string
	for i, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			if e == nil {
				continue
			}
			if i < len(chunks) {
				failed = append(failed, chunks[i].Chunk.Ordinal)
			}
			messages = append(messages, e.Message)
			break
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("batch upsert: %d of %d objects rejected (ordinals %v): %s",
			len(failed), len(chunks), failed, strings.Join(messages, "; "))
	}
	return nil
}

// DeleteDocument removes every chunk stored for sourcePath.
func (s *Store) DeleteDocument(ctx context.Context, collection, sourcePath string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName(collection)).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"source"}).
			WithOperator(filters.Equal).
			WithValueText(sourcePath)).
		Do(ctx)
	return err
}

func chunkProperties(c worker.DocumentChunk) map[string]interface{} {
	props := map[string]interface{}{
		"content":        c.Text,
		"source":         c.SourcePath,
		"sourceDocument": c.SourceDocument,
		"ordinal":        c.Ordinal,
	}
	if page, ok := c.Metadata["page"].(int); ok {
		props["page"] = page
	}
	if total, ok := c.Metadata["total_pages"].(int); ok {
		props["totalPages"] = total
	}
	if pc, ok := c.Metadata["page_chunk"].(int); ok {
		props["pageChunk"] = pc
	}
	return props
}

// Search returns the k chunks nearest to vec, most similar first. Score is
// 1 - cosine distance.
func (s *Store) Search(ctx context.Context, collection string, vec []float32, k int) ([]retrieval.RetrievedChunk, error) {
	className := vector.ClassName(collection)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "sourceDocument"},
		{Name: "ordinal"},
		{Name: "page"},
		{Name: "totalPages"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}, {Name: "vector"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		// Nothing has been ingested yet.
		if exists, existsErr := s.schema.ClassExists(ctx, className); existsErr == nil && !exists {
			return []retrieval.RetrievedChunk{}, nil
		}
		return nil, fmt.Errorf("graphql error: %s", graphQLMessages(res.Errors))
	}

	results := []retrieval.RetrievedChunk{}
	data, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return results, nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return results, nil
	}

	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		results = append(results, toRetrievedChunk(props))
	}
	return results, nil
}

func toRetrievedChunk(props map[string]interface{}) retrieval.RetrievedChunk {
	c := retrieval.RetrievedChunk{Metadata: make(map[string]any)}

	if content, ok := props["content"].(string); ok {
		c.Text = content
	}
	if source, ok := props["source"].(string); ok {
		c.Metadata["source"] = source
	}
	if doc, ok := props["sourceDocument"].(string); ok {
		c.Metadata["filename"] = doc
	}
	for prop, key := range map[string]string{"ordinal": "ordinal", "page": "page", "totalPages": "total_pages"} {
		if v, ok := props[prop].(float64); ok {
			c.Metadata[key] = int(v)
		}
	}

	if additional, ok := props["_additional"].(map[string]interface{}); ok {
		if id, ok := additional["id"].(string); ok {
			c.ID = id
		}
		if distance, ok := additional["distance"].(float64); ok {
			c.Score = float32(1 - distance)
		}
		if vec, ok := additional["vector"].([]interface{}); ok {
			c.Dimension = len(vec)
		}
	}
	return c
}

// CountChunks returns the number of objects stored in collection. A
// collection that does not exist yet holds zero chunks.
func (s *Store) CountChunks(ctx context.Context, collection string) (int, error) {
	className := vector.ClassName(collection)

	exists, err := s.schema.ClassExists(ctx, className)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", graphQLMessages(res.Errors))
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[className].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func graphQLMessages(errs []*models.GraphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}
