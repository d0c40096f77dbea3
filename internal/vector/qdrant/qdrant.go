// Package qdrant implements vector.Repository on a Qdrant server over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/efebarandurmaz/groundchat/internal/vector"
)

// Payload keys.
const (
	keyChunkID = "chunk_id"
	keyText    = "text"
	keySource  = "source"
	keyPage    = "page"
)

// Config selects the server and collection.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
}

// Repository implements vector.Repository using Qdrant.
type Repository struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	health      pb.QdrantClient
	collection  string
	apiKey      string

	mu    sync.Mutex
	ready bool // collection known to exist
}

// New connects to Qdrant. The collection is created lazily on the first Add,
// sized to the first vector's dimension.
func New(cfg Config) (*Repository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Repository{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		health:      pb.NewQdrantClient(conn),
		collection:  cfg.Collection,
		apiKey:      cfg.APIKey,
	}, nil
}

func (r *Repository) withAuth(ctx context.Context) context.Context {
	if r.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", r.apiKey)
}

// PointID maps a chunk id to the UUID Qdrant stores it under. Qdrant only
// accepts integers and UUIDs, so the chunk id itself travels in the payload.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

func (r *Repository) exists(ctx context.Context) (bool, error) {
	resp, err := r.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("listing collections: %w", err)
	}
	for _, c := range resp.GetCollections() {
		if c.GetName() == r.collection {
			return true, nil
		}
	}
	return false, nil
}

// ensure reports whether the collection exists, creating it with dim when
// dim > 0.
func (r *Repository) ensure(ctx context.Context, dim int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return true, nil
	}

	ok, err := r.exists(ctx)
	if err != nil {
		return false, err
	}
	if !ok && dim > 0 {
		_, err = r.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: r.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(dim),
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return false, fmt.Errorf("creating collection %s: %w", r.collection, err)
		}
		slog.Info("created qdrant collection", "collection", r.collection, "dim", dim)
		ok = true
	}
	r.ready = ok
	return ok, nil
}

func (r *Repository) Add(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return fmt.Errorf("record %s has an empty vector: %w", records[0].ID, vector.ErrDimensionMismatch)
	}
	for _, rec := range records {
		if len(rec.Vector) != dim {
			return fmt.Errorf("record %s: %w", rec.ID, vector.ErrDimensionMismatch)
		}
	}
	ctx = r.withAuth(ctx)
	if _, err := r.ensure(ctx, dim); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, rec := range records {
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(rec.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Vector}}},
			Payload: payload(rec),
		}
	}

	wait := true
	_, err := r.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func payload(rec vector.Record) map[string]*pb.Value {
	page := &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	if rec.Metadata.Page != nil {
		page = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(*rec.Metadata.Page)}}
	}
	return map[string]*pb.Value{
		keyChunkID: {Kind: &pb.Value_StringValue{StringValue: rec.ID}},
		keyText:    {Kind: &pb.Value_StringValue{StringValue: rec.Text}},
		keySource:  {Kind: &pb.Value_StringValue{StringValue: rec.Metadata.Source}},
		keyPage:    page,
	}
}

// Query returns an empty result when nothing has been ingested yet.
func (r *Repository) Query(ctx context.Context, vec []float32, n int) ([]vector.Match, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx = r.withAuth(ctx)
	ok, err := r.ensure(ctx, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	resp, err := r.points.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collection,
		Vector:         vec,
		Limit:          uint64(n),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	matches := make([]vector.Match, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		p := pt.GetPayload()
		m := vector.Match{
			ID:       p[keyChunkID].GetStringValue(),
			Text:     p[keyText].GetStringValue(),
			Metadata: vector.Metadata{Source: p[keySource].GetStringValue()},
			Distance: 1 - float64(pt.GetScore()),
		}
		if m.ID == "" {
			m.ID = pt.GetId().GetUuid()
		}
		if v, ok := p[keyPage].GetKind().(*pb.Value_IntegerValue); ok {
			m.Metadata.Page = vector.PageOf(int(v.IntegerValue))
		}
		matches[i] = m
	}
	return matches, nil
}

func (r *Repository) DeleteSource(ctx context.Context, source string) error {
	ctx = r.withAuth(ctx)
	ok, err := r.ensure(ctx, 0)
	if err != nil || !ok {
		return err
	}

	wait := true
	_, err = r.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{{
						ConditionOneOf: &pb.Condition_Field{
							Field: &pb.FieldCondition{
								Key:   keySource,
								Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: source}},
							},
						},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete %s: %w", source, err)
	}
	return nil
}

// Reset drops the collection; the next Add recreates it.
func (r *Repository) Reset(ctx context.Context) error {
	ctx = r.withAuth(ctx)
	ok, err := r.exists(ctx)
	if err != nil {
		return err
	}
	if ok {
		if _, err := r.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: r.collection}); err != nil {
			return fmt.Errorf("dropping collection %s: %w", r.collection, err)
		}
	}
	r.mu.Lock()
	r.ready = false
	r.mu.Unlock()
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	if _, err := r.health.HealthCheck(r.withAuth(ctx), &pb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("qdrant health: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

var _ vector.Repository = (*Repository)(nil)
