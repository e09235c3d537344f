// Package export implements the export_package job type (§4.8, §6): a
// gzipped tar of one ref's tree at a given commit, laid out as
// repo/ref/path per entry, with a sidecar manifest.json carrying the
// commit id and every entry's sha256. No third-party archive library
// appears anywhere in the reference set (SPEC_FULL §B); archive/tar plus
// compress/gzip is the idiomatic, and only, choice for this concern.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// Manifest is the sidecar manifest.json entry format.
type Manifest struct {
	RepoID    uuid.UUID       `json:"repoId"`
	Ref       string          `json:"ref"`
	CommitID  uuid.UUID       `json:"commitId"`
	CreatedAt time.Time       `json:"createdAt"`
	Entries   []ManifestEntry `json:"entries"`
}

// ManifestEntry records one file's content hash so a consumer can verify
// integrity of the unpacked archive without re-deriving it.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// BlobFetcher reads a content-addressed blob's bytes for packaging.
// Implemented by a thin wrapper over object.Store.PresignGet plus an HTTP
// fetch, kept as a narrow interface here so Assembler doesn't depend on a
// concrete transport.
type BlobFetcher interface {
	Fetch(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// Assembler builds export archives for the export_package job handler.
type Assembler struct {
	commits commit.Store
	objects object.Registry
	blobs   BlobFetcher
}

func New(commits commit.Store, objects object.Registry, blobs BlobFetcher) *Assembler {
	return &Assembler{commits: commits, objects: objects, blobs: blobs}
}

// Build writes a gzipped tar of repoID/ref's tree at commitID to w: one
// entry per file under "<repo>/<ref>/<path>", plus a trailing manifest.json
// at the archive root.
func (a *Assembler) Build(ctx context.Context, w io.Writer, repoID uuid.UUID, ref string, commitID uuid.UUID) error {
	c, err := a.commits.FindCommit(ctx, commitID)
	if err != nil {
		return err
	}

	if c == nil {
		return errkind.New(errkind.NotFound, "commit not found for export")
	}

	entries, err := a.commits.ListEntries(ctx, commitID)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	manifest := Manifest{RepoID: repoID, Ref: ref, CommitID: commitID, CreatedAt: c.CreatedAt}

	prefix := repoID.String() + "/" + ref + "/"

	for _, e := range entries {
		if e.IsDir {
			if err := writeHeader(tw, prefix+e.Path+"/", 0, tar.TypeDir); err != nil {
				return err
			}

			continue
		}

		obj, err := a.objects.Find(ctx, e.ObjectSHA256)
		if err != nil {
			return err
		}

		if obj == nil {
			return errkind.New(errkind.Corrupt, "entry references missing object: "+e.ObjectSHA256)
		}

		body, err := a.blobs.Fetch(ctx, obj.StorageKey)
		if err != nil {
			return err
		}

		if err := writeHeader(tw, prefix+e.Path, obj.Size, tar.TypeReg); err != nil {
			body.Close()
			return err
		}

		if _, err := io.Copy(tw, body); err != nil {
			body.Close()
			return err
		}

		body.Close()

		manifest.Entries = append(manifest.Entries, ManifestEntry{Path: e.Path, SHA256: e.ObjectSHA256, Size: obj.Size})

		if metaEntryHasOwnMetadata(e) {
			metaJSON, err := json.MarshalIndent(e.Meta, "", "  ")
			if err != nil {
				return err
			}

			if err := writeBytes(tw, prefix+e.Path+".meta.json", metaJSON); err != nil {
				return err
			}
		}
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	if err := writeBytes(tw, "manifest.json", manifestJSON); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}

	return gz.Close()
}

func metaEntryHasOwnMetadata(e *commit.Entry) bool {
	return len(e.Meta) > 0
}

func writeHeader(tw *tar.Writer, name string, size int64, typ byte) error {
	return tw.WriteHeader(&tar.Header{Name: name, Size: size, Typeflag: typ, Mode: 0644, ModTime: time.Now()})
}

func writeBytes(tw *tar.Writer, name string, body []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Typeflag: tar.TypeReg, Mode: 0644, ModTime: time.Now()}); err != nil {
		return err
	}

	_, err := tw.Write(body)

	return err
}

// BufferedBuild is a convenience wrapper for callers (e.g. the job handler)
// that need the finished archive as bytes rather than streaming it.
func (a *Assembler) BufferedBuild(ctx context.Context, repoID uuid.UUID, ref string, commitID uuid.UUID) ([]byte, error) {
	var buf bytes.Buffer

	if err := a.Build(ctx, &buf, repoID, ref, commitID); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
