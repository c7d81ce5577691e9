package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	descVectorName = "description"
	codeVectorName = "code"
)

// QdrantCache keeps skill vectors in a Qdrant collection, for deployments
// that already run one and want the cache shared across hosts.
type QdrantCache struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	vectorSize  uint64
}

// NewQdrantCache connects to a Qdrant instance and ensures the collection
// exists with named description and code vectors.
func NewQdrantCache(addr, collection string, vectorSize uint64) (*QdrantCache, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	c := &QdrantCache{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		vectorSize:  vectorSize,
	}
	if err := c.ensureCollection(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *QdrantCache) Close() error {
	return c.conn.Close()
}

func (c *QdrantCache) ensureCollection(ctx context.Context) error {
	params := func() *pb.VectorParams {
		return &pb.VectorParams{Size: c.vectorSize, Distance: pb.Distance_Cosine}
	}
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{
					Map: map[string]*pb.VectorParams{
						descVectorName: params(),
						codeVectorName: params(),
					},
				},
			},
		},
	})
	if err != nil {
		// Creation races and re-creation of an existing collection both
		// surface here; a usable collection is all that matters.
		list, listErr := c.collections.List(ctx, &pb.ListCollectionsRequest{})
		if listErr != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		for _, col := range list.Collections {
			if col.Name == c.collection {
				return nil
			}
		}
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

func pointID(name string) *pb.PointId {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func (c *QdrantCache) Get(ctx context.Context, name string) (*Entry, bool, error) {
	resp, err := c.points.Get(ctx, &pb.GetPoints{
		CollectionName: c.collection,
		Ids:            []*pb.PointId{pointID(name)},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, false, fmt.Errorf("qdrant get: %w", err)
	}
	if len(resp.Result) == 0 {
		return nil, false, nil
	}

	point := resp.Result[0]
	entry := &Entry{}
	if v, ok := point.Payload["content_hash"]; ok {
		entry.Hash = v.GetStringValue()
	}
	if vectors := point.Vectors.GetVectors(); vectors != nil {
		if v, ok := vectors.Vectors[descVectorName]; ok {
			entry.DescVec = v.Data
		}
		if v, ok := vectors.Vectors[codeVectorName]; ok && len(v.Data) > 0 {
			entry.CodeVec = v.Data
		}
	}
	return entry, true, nil
}

func (c *QdrantCache) Put(ctx context.Context, name string, entry *Entry) error {
	vectors := map[string]*pb.Vector{
		descVectorName: {Data: entry.DescVec},
	}
	if entry.CodeVec != nil {
		vectors[codeVectorName] = &pb.Vector{Data: entry.CodeVec}
	}

	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collection,
		Points: []*pb.PointStruct{{
			Id: pointID(name),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vectors{
					Vectors: &pb.NamedVectors{Vectors: vectors},
				},
			},
			Payload: map[string]*pb.Value{
				"name":         {Kind: &pb.Value_StringValue{StringValue: name}},
				"content_hash": {Kind: &pb.Value_StringValue{StringValue: entry.Hash}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (c *QdrantCache) Delete(ctx context.Context, name string) error {
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(name)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (c *QdrantCache) Keep(ctx context.Context, names []string) error {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	var drop []*pb.PointId
	var offset *pb.PointId
	for {
		limit := uint32(256)
		resp, err := c.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: c.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return fmt.Errorf("qdrant scroll: %w", err)
		}
		for _, point := range resp.Result {
			name := ""
			if v, ok := point.Payload["name"]; ok {
				name = v.GetStringValue()
			}
			if !keep[name] {
				drop = append(drop, point.Id)
			}
		}
		if resp.NextPageOffset == nil {
			break
		}
		offset = resp.NextPageOffset
	}

	if len(drop) == 0 {
		return nil
	}
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: drop},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant prune: %w", err)
	}
	return nil
}
