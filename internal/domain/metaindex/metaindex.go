// Package metaindex implements the Metadata Projector (C5, §4.5): a
// deterministic, idempotent mapping from an Entry's nested meta to the flat
// canonical EntryMetaIndex row (§3).
package metaindex

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// Store is the C2 persistence port for the canonical projection — the
// relational half of the search façade (§4.6), always kept current in the
// same transaction as the commit that produced it (§5: "Index projection is
// observed atomically with the commit that produced it").
//
//go:generate mockgen --destination=../../../internal/gen/mock/metaindex/metaindex_mock.go --package=mock . Store
type Store interface {
	Upsert(ctx context.Context, row *Row) error
	Find(ctx context.Context, commitID uuid.UUID, path string) (*Row, error)
	Delete(ctx context.Context, commitID uuid.UUID, path string) error
}

// Row is the canonical flat projection of Entry.meta, exactly as defined in
// §3.
type Row struct {
	CommitID             uuid.UUID
	Path                 string
	CreationDT           *time.Time
	Creator              *string
	FileName             *string
	FileType             *string
	FileSize             *int64
	OrgLab               *string
	Description          *string
	DataSource           *string
	DataCollectionMethod *string
	Version              *string
	Notes                *string
	Tags                 []string
	License              *string
	Classification        commit.Classification
}

// canonicalKeys is the fixed set of top-level metadata keys the projection
// recognizes; anything else is "unknown" per §4.5.
var canonicalKeys = map[string]bool{
	"creationDt": true, "creator": true, "fileName": true, "fileType": true,
	"fileSize": true, "orgLab": true, "description": true, "dataSource": true,
	"dataCollectionMethod": true, "version": true, "notes": true, "tags": true,
	"license": true, "classification": true,
}

// Project derives a Row from an Entry deterministically: identical input
// meta always yields an identical Row (§4.5 "Idempotent: re-projecting
// yields identical rows"). strict selects whether unknown top-level keys are
// rejected (true) or silently ignored (false) per the repo's feature flag.
func Project(commitID uuid.UUID, e *commit.Entry, strict bool) (*Row, error) {
	row := &Row{CommitID: commitID, Path: e.Path, Classification: commit.ClassInternal}

	if e.Meta == nil {
		return row, nil
	}

	if strict {
		for k := range e.Meta {
			if !canonicalKeys[k] {
				return nil, errkind.New(errkind.InvalidInput, "unknown metadata key in strict mode: "+k)
			}
		}
	}

	if v, ok := stringField(e.Meta, "creator"); ok {
		row.Creator = &v
	}

	if v, ok := stringField(e.Meta, "fileName"); ok {
		row.FileName = &v
	}

	if v, ok := stringField(e.Meta, "fileType"); ok {
		row.FileType = &v
	}

	if v, ok := stringField(e.Meta, "orgLab"); ok {
		row.OrgLab = &v
	}

	if v, ok := stringField(e.Meta, "description"); ok {
		row.Description = &v
	}

	if v, ok := stringField(e.Meta, "dataSource"); ok {
		row.DataSource = &v
	}

	if v, ok := stringField(e.Meta, "dataCollectionMethod"); ok {
		row.DataCollectionMethod = &v
	}

	if v, ok := stringField(e.Meta, "version"); ok {
		row.Version = &v
	}

	if v, ok := stringField(e.Meta, "notes"); ok {
		row.Notes = &v
	}

	if v, ok := stringField(e.Meta, "license"); ok {
		row.License = &v
	}

	if v, ok := e.Meta["fileSize"]; ok {
		if n, ok := toInt64(v); ok {
			row.FileSize = &n
		}
	}

	if v, ok := e.Meta["creationDt"]; ok {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				row.CreationDT = &t
			}
		}
	}

	if v, ok := e.Meta["tags"]; ok {
		if arr, ok := v.([]any); ok {
			tags := make([]string, 0, len(arr))

			for _, item := range arr {
				if s, ok := item.(string); ok {
					tags = append(tags, s)
				}
			}

			row.Tags = tags
		} else if arr, ok := v.([]string); ok {
			row.Tags = arr
		}
	}

	if v, ok := stringField(e.Meta, "classification"); ok && v != "" {
		row.Classification = commit.Classification(v)
	}

	return row, nil
}

func stringField(m commit.Meta, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// MergePatch applies RFC7396-style JSON Merge Patch semantics: keys present
// in patch overwrite base; a patch value of nil deletes the key. Keys absent
// from patch are left untouched on base. Grounded on the teacher's
// parseMetadata comment ("For compliance with RFC7396 JSON Merge Patch") in
// common/net/http/withBody.go, generalized from "absent metadata field
// resets to empty map" to a full merge-patch.
func MergePatch(base, patch commit.Meta) commit.Meta {
	if base == nil {
		base = commit.Meta{}
	}

	out := make(commit.Meta, len(base))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}

		out[k] = v
	}

	return out
}
