// Package mongoindex implements search.Backend (C6's external half, §4.6)
// over MongoDB: a document per (commit_id, path) with facet aggregation via
// the aggregation pipeline, standing in for the "external search contract"
// named in §6.
package mongoindex

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/domain/search"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// Backend wraps one Mongo collection per deployment; repoID scopes every
// document and query instead of one collection per repo, since §4.6 expects
// a single external index shared across tenants.
type Backend struct {
	coll *mongo.Collection
}

func New(coll *mongo.Collection) *Backend {
	return &Backend{coll: coll}
}

// doc is the Mongo wire shape; repo_id is first in the compound key so the
// (repo_id, commit_id, path) unique index also serves as the natural
// per-repo query prefix.
type doc struct {
	RepoID         uuid.UUID `bson:"repo_id"`
	CommitID       uuid.UUID `bson:"commit_id"`
	Path           string    `bson:"path"`
	FileName       string    `bson:"file_name"`
	FileType       string    `bson:"file_type"`
	FileSize       int64     `bson:"file_size"`
	OrgLab         string    `bson:"org_lab"`
	Description    string    `bson:"description"`
	DataSource     string    `bson:"data_source"`
	Version        string    `bson:"version"`
	Notes          string    `bson:"notes"`
	Tags           []string  `bson:"tags"`
	License        string    `bson:"license"`
	Classification string    `bson:"classification"`
	CreatedAt      time.Time `bson:"created_at"`
	FreeText       string    `bson:"free_text"`
	IndexedAt      time.Time `bson:"indexed_at"`
}

func toDoc(repoID uuid.UUID, d search.Document) doc {
	return doc{
		RepoID: repoID, CommitID: d.CommitID, Path: d.Path, FileName: d.FileName,
		FileType: d.FileType, FileSize: d.FileSize, OrgLab: d.OrgLab, Description: d.Description,
		DataSource: d.DataSource, Version: d.Version, Notes: d.Notes, Tags: d.Tags,
		License: d.License, Classification: d.Classification, CreatedAt: d.CreatedAt,
		FreeText: d.FreeText, IndexedAt: time.Now().UTC(),
	}
}

func (b *Backend) Upsert(ctx context.Context, repoID uuid.UUID, d search.Document) error {
	filter := bson.M{"repo_id": repoID, "commit_id": d.CommitID, "path": d.Path}

	_, err := b.coll.ReplaceOne(ctx, filter, toDoc(repoID, d), options.Replace().SetUpsert(true))
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "mongo upsert")
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, repoID uuid.UUID, commitID uuid.UUID, path string) error {
	filter := bson.M{"repo_id": repoID, "commit_id": commitID, "path": path}

	_, err := b.coll.DeleteOne(ctx, filter)
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "mongo delete")
	}

	return nil
}

func (b *Backend) Flush(ctx context.Context, repoID uuid.UUID) error {
	// Mongo writes are immediately visible to subsequent reads at the
	// default read concern, so there is nothing to flush.
	return nil
}

func (b *Backend) Freshness(ctx context.Context, repoID uuid.UUID) (time.Time, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "indexed_at", Value: -1}})

	var d doc

	err := b.coll.FindOne(ctx, bson.M{"repo_id": repoID}, opts).Decode(&d)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}

		return time.Time{}, errkind.Wrap(errkind.BackendUnavailable, err, "mongo freshness")
	}

	return d.IndexedAt, nil
}

func (b *Backend) Query(ctx context.Context, repoID uuid.UUID, q search.Query) (search.Result, error) {
	filter := bson.M{"repo_id": repoID}

	for field, fv := range q.Filters {
		key := bsonField(field)

		switch {
		case fv.Range != nil:
			rangeFilter := bson.M{}
			if fv.Range.Gte != nil {
				rangeFilter["$gte"] = fv.Range.Gte
			}

			if fv.Range.Lte != nil {
				rangeFilter["$lte"] = fv.Range.Lte
			}

			filter[key] = rangeFilter
		case len(fv.Set) > 0:
			filter[key] = bson.M{"$in": fv.Set}
		default:
			filter[key] = fv.Eq
		}
	}

	if q.Q != "" {
		filter["$text"] = bson.M{"$search": q.Q}
	}

	size := q.Size
	if size <= 0 {
		size = 50
	}

	findOpts := options.Find().SetLimit(int64(size)).SetSkip(int64(q.Page * size))

	if q.Sort != "" {
		findOpts.SetSort(mongoSort(q.Sort))
	}

	total, err := b.coll.CountDocuments(ctx, filter)
	if err != nil {
		return search.Result{}, errkind.Wrap(errkind.BackendUnavailable, err, "mongo count")
	}

	cursor, err := b.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return search.Result{}, errkind.Wrap(errkind.BackendUnavailable, err, "mongo find")
	}
	defer cursor.Close(ctx)

	var hits []search.Hit

	for cursor.Next(ctx) {
		var d doc

		if err := cursor.Decode(&d); err != nil {
			return search.Result{}, err
		}

		hits = append(hits, search.Hit{
			CommitID: d.CommitID,
			Path:     d.Path,
			Fields: map[string]any{
				"fileName": d.FileName, "fileType": d.FileType, "fileSize": d.FileSize,
				"orgLab": d.OrgLab, "tags": d.Tags, "classification": d.Classification,
			},
		})
	}

	result := search.Result{Hits: hits, Total: total}

	if len(q.Facets) > 0 {
		facets, err := b.facets(ctx, filter, q.Facets)
		if err != nil {
			return search.Result{}, err
		}

		result.Facets = facets
	}

	freshness, err := b.Freshness(ctx, repoID)
	if err != nil {
		return search.Result{}, err
	}

	result.Freshness = freshness

	return result, nil
}

func (b *Backend) facets(ctx context.Context, filter bson.M, fields []string) (map[string][]search.FacetCount, error) {
	out := make(map[string][]search.FacetCount, len(fields))

	for _, field := range fields {
		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: filter}},
			{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$" + bsonField(field)}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
			{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
			{{Key: "$limit", Value: 20}},
		}

		cursor, err := b.coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, errkind.Wrap(errkind.BackendUnavailable, err, "mongo facet")
		}

		var buckets []search.FacetCount

		for cursor.Next(ctx) {
			var row struct {
				ID    string `bson:"_id"`
				Count int64  `bson:"count"`
			}

			if err := cursor.Decode(&row); err != nil {
				cursor.Close(ctx)

				return nil, err
			}

			buckets = append(buckets, search.FacetCount{Value: row.ID, Count: row.Count})
		}

		cursor.Close(ctx)

		out[field] = buckets
	}

	return out, nil
}

// bsonField maps the façade's canonical field names onto this collection's
// bson tags; unrecognized fields pass through unchanged so free-form
// metadata keys still filter, at the cost of not being indexed.
func bsonField(field string) string {
	switch field {
	case "fileName":
		return "file_name"
	case "fileType":
		return "file_type"
	case "fileSize":
		return "file_size"
	case "orgLab":
		return "org_lab"
	case "dataSource":
		return "data_source"
	case "createdAt":
		return "created_at"
	default:
		return field
	}
}

func mongoSort(sort string) bson.D {
	dir := 1

	field := sort

	if len(sort) > 5 && sort[len(sort)-5:] == " desc" {
		dir = -1
		field = sort[:len(sort)-5]
	}

	return bson.D{{Key: bsonField(field), Value: dir}}
}
