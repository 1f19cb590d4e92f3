package storage

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"slideSummarize/config"
	"slideSummarize/core"
)

// SlideArchive is the searchable index of accepted slides. It is an optional
// sidecar to the state store: inserts are best-effort and the pipeline keeps
// running when no archive is configured.
type SlideArchive interface {
	Insert(ctx context.Context, seq int64, timestamp string, text string, summary string, vector []float32) error
	Search(ctx context.Context, vector []float32, topK int) ([]core.ArchiveHit, error)
}

// InitSlideArchive returns a Milvus-backed archive when MILVUS_ADDR is set,
// nil otherwise. Archive failures never block startup.
func InitSlideArchive(cfg *config.Config) SlideArchive {
	if os.Getenv("MILVUS_ADDR") == "" {
		return nil
	}
	a, err := NewMilvusArchive(cfg)
	if err != nil {
		log.Printf("Warning: failed to initialize Milvus archive (%v), history search disabled", err)
		return nil
	}
	return a
}

type MilvusArchive struct {
	mc   client.Client
	coll string
	dim  int
}

func NewMilvusArchive(cfg *config.Config) (*MilvusArchive, error) {
	addr := os.Getenv("MILVUS_ADDR")
	if addr == "" {
		addr = "localhost:19530"
	}
	username := os.Getenv("MILVUS_USERNAME")
	password := os.Getenv("MILVUS_PASSWORD")
	apiKey := os.Getenv("MILVUS_API_KEY") // For Zilliz Cloud
	coll := os.Getenv("MILVUS_COLLECTION")
	if coll == "" {
		coll = "slide_archive"
	}

	mc, err := client.NewClient(context.Background(), client.Config{Address: addr, Username: username, Password: password, APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	a := &MilvusArchive{mc: mc, coll: coll, dim: cfg.EmbeddingDim}
	if err := a.ensureSchemaAndIndex(); err != nil {
		return nil, err
	}
	return a, nil
}

// archiveSchema describes the slide archive collection. The collection name
// must be set on the schema itself; CreateCollection rejects a nameless one.
func archiveSchema(coll string, dim int) *entity.Schema {
	schema := entity.NewSchema().WithName(coll)
	schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
	schema.WithField(entity.NewField().WithName("seq").WithDataType(entity.FieldTypeInt64))
	schema.WithField(entity.NewField().WithName("ts").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
	schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
	schema.WithField(entity.NewField().WithName("summary").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
	schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))
	return schema
}

func (a *MilvusArchive) ensureSchemaAndIndex() error {
	ctx := context.Background()
	has, err := a.mc.HasCollection(ctx, a.coll)
	if err != nil {
		return err
	}
	if !has {
		if err := a.mc.CreateCollection(ctx, archiveSchema(a.coll, a.dim), int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := a.mc.CreateIndex(ctx, a.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := a.mc.LoadCollection(ctx, a.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (a *MilvusArchive) Insert(ctx context.Context, seq int64, timestamp string, text string, summary string, vector []float32) error {
	if len(vector) != a.dim {
		return fmt.Errorf("archive insert: vector dim %d, want %d", len(vector), a.dim)
	}
	_, err := a.mc.Insert(ctx, a.coll, "",
		entity.NewColumnInt64("seq", []int64{seq}),
		entity.NewColumnVarChar("ts", []string{timestamp}),
		entity.NewColumnVarChar("text", []string{truncateVarChar(text, 8192)}),
		entity.NewColumnVarChar("summary", []string{truncateVarChar(summary, 8192)}),
		entity.NewColumnFloatVector("vector", a.dim, [][]float32{vector}),
	)
	if err != nil {
		return fmt.Errorf("archive insert: %w", err)
	}
	return nil
}

func (a *MilvusArchive) Search(ctx context.Context, vector []float32, topK int) ([]core.ArchiveHit, error) {
	if topK <= 0 {
		topK = 5
	}
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := a.mc.Search(ctx, a.coll, []string{}, "", []string{"seq", "ts", "text", "summary"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("archive search: %w", err)
	}
	var hits []core.ArchiveHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			hit := core.ArchiveHit{}
			if c, ok := cols["seq"].(*entity.ColumnInt64); ok {
				data := c.Data()
				if i < len(data) {
					hit.Sequence = data[i]
				}
			}
			if c, ok := cols["ts"].(*entity.ColumnVarChar); ok {
				data := c.Data()
				if i < len(data) {
					hit.Timestamp = data[i]
				}
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok {
				data := c.Data()
				if i < len(data) {
					hit.Text = data[i]
				}
			}
			if c, ok := cols["summary"].(*entity.ColumnVarChar); ok {
				data := c.Data()
				if i < len(data) {
					hit.Summary = data[i]
				}
			}
			if i < len(r.Scores) {
				hit.Score = float64(r.Scores[i])
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

func truncateVarChar(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
