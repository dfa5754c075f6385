// Package semantic is the sole owner of Qdrant operations: one collection
// per tenant, auto-created on first upsert, searched with a default
// must-not-be-deleted filter and soft-deleted via a payload set rather than
// a point delete.
package semantic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// VectorDim is the embedding dimensionality every tenant collection is
// created with.
const VectorDim = 3072

// VectorStore is the sole owner of all Qdrant operations, shared across tenants.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	db          string

	mu    sync.Mutex
	known map[string]bool
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// db prefixes every tenant collection name (collection = "<db>_<tenant>").
func New(addr, db string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		db:          db,
		known:       make(map[string]bool),
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// CollectionName returns the tenant's collection name.
func (v *VectorStore) CollectionName(tenant string) string {
	return fmt.Sprintf("%s_%s", v.db, tenant)
}

// EnsureCollection creates the tenant's collection on demand, ignoring
// "already exists" races between concurrent workers.
func (v *VectorStore) EnsureCollection(ctx context.Context, tenant string) error {
	name := v.CollectionName(tenant)
	v.mu.Lock()
	seen := v.known[name]
	v.mu.Unlock()
	if seen {
		return nil
	}
	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(VectorDim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("semantic: create collection %s: %w", name, err)
	}
	v.mu.Lock()
	v.known[name] = true
	v.mu.Unlock()
	return nil
}

// Upsert stores points into the tenant's collection, creating it first if
// needed. Waits are disabled (fire-and-forget) for ingest throughput.
func (v *VectorStore) Upsert(ctx context.Context, tenant string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := v.EnsureCollection(ctx, tenant); err != nil {
		return err
	}

	pbPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		pbPoints[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: p.Embedding},
				},
			},
			Payload: toPayload(p.Payload),
		}
	}

	wait := false
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.CollectionName(tenant),
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points into %s: %w", len(points), v.CollectionName(tenant), err)
	}
	return nil
}

// MarkDeleted sets payload.deleted = true on every point whose resource_uid
// is one of uids, within the tenant's collection. This is a payload-set
// call, not a point delete: deleted points remain searchable unless the
// caller filters them out (see SearchFiltered's default).
func (v *VectorStore) MarkDeleted(ctx context.Context, tenant string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	should := make([]*pb.Condition, len(uids))
	for i, uid := range uids {
		should[i] = fieldMatch("resource_uid", uid)
	}
	payload := map[string]*pb.Value{
		"deleted": {Kind: &pb.Value_BoolValue{BoolValue: true}},
	}
	_, err := v.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: v.CollectionName(tenant),
		Payload:        payload,
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Should: should},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: mark-deleted %d uids in %s: %w", len(uids), v.CollectionName(tenant), err)
	}
	return nil
}

// Search performs k-NN similarity search within the tenant's collection,
// excluding points with payload.deleted == true by default.
func (v *VectorStore) Search(ctx context.Context, tenant string, embedding []float32, topK int) ([]SearchResult, error) {
	return v.SearchFiltered(ctx, tenant, embedding, topK, nil, true)
}

// SearchFiltered performs similarity search with additional equality
// filters. excludeDeleted, when true, adds a must_not deleted == true clause.
func (v *VectorStore) SearchFiltered(ctx context.Context, tenant string, embedding []float32, topK int, filters map[string]string, excludeDeleted bool) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.CollectionName(tenant),
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	filter := &pb.Filter{}
	for k, val := range filters {
		filter.Must = append(filter.Must, fieldMatch(k, val))
	}
	if excludeDeleted {
		filter.MustNot = append(filter.MustNot, matchBool("deleted", true))
	}
	if len(filter.Must) > 0 || len(filter.MustNot) > 0 {
		req.Filter = filter
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", v.CollectionName(tenant), err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = SearchResult{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		}
	}
	return results, nil
}

func toPayload(m map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case uint64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case float64:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return payload
}

func fromPayload(m map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch kind := v.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		default:
			out[k] = v.String()
		}
	}
	return out
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func matchBool(key string, value bool) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Boolean{Boolean: value},
				},
			},
		},
	}
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "conflict")
}
