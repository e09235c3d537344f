package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/blacklake-io/blacklake/internal/adapters/scanner"
	"github.com/blacklake-io/blacklake/internal/adapters/webhook"
	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/domain/reconciler"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/log"
	"github.com/blacklake-io/blacklake/internal/services/export"
)

// AntivirusScanHandler builds the handler for job.TypeAntivirusScan: scans
// the object named in the job payload and, on an infected verdict, logs an
// error-level line (sha256, signature, commit id, path) and returns success.
// It does not quarantine the object, mark its Object row, or detach the
// entries that reference it; commits and entries are left unchanged.
func AntivirusScanHandler(client scanner.Client, objects object.Registry, logger log.Logger) Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			SHA256   string `json:"sha256"`
			Path     string `json:"path"`
			CommitID string `json:"commitId"`
		}

		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return errkind.New(errkind.InvalidInput, "bad antivirus_scan payload")
		}

		obj, err := objects.Find(ctx, payload.SHA256)
		if err != nil {
			return err
		}

		if obj == nil {
			return errkind.New(errkind.NotFound, "object not found for scan: "+payload.SHA256)
		}

		verdict, err := client.Scan(ctx, payload.SHA256, obj.StorageKey)
		if err != nil {
			return err
		}

		if !verdict.Clean {
			logger.Error("antivirus scan found infected object", "sha256", payload.SHA256, "signature", verdict.Signature, "commitId", payload.CommitID, "path", payload.Path)
		}

		return nil
	}
}

// ReindexHandler builds the handler for job.TypeReindex: runs one bounded
// index-drift sweep for the commit's repo, the same algorithm the
// background reconciler loop runs periodically, triggered here immediately
// after a commit so search results reflect it without waiting for the next
// scheduled sweep.
func ReindexHandler(rec *reconciler.Reconciler) Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			RepoID string `json:"repoId"`
		}

		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return errkind.New(errkind.InvalidInput, "bad reindex payload")
		}

		repoID, err := uuid.Parse(payload.RepoID)
		if err != nil {
			return errkind.New(errkind.InvalidInput, "bad repoId in reindex payload")
		}

		_, err = rec.RunIndexDrift(ctx, repoID)

		return err
	}
}

// RetentionCheckHandler builds the handler for job.TypeRetentionCheck:
// expires any legal hold whose implicit expiry has passed.
func RetentionCheckHandler(store governance.RetentionStore, now func() time.Time) Handler {
	return func(ctx context.Context, j *job.Job) error {
		_, err := store.ExpireHolds(ctx, now())
		return err
	}
}

// ObjectGCHandler builds the handler for job.TypeObjectGC: deletes the blob
// and the Object row for a sha256 the reconciler found unreferenced.
// Re-verifies zero references at execution time (not just at scan time) so
// a commit racing the scan can't lose its only referring entry's blob.
func ObjectGCHandler(blobs interface {
	Delete(ctx context.Context, key string) error
}, objects object.Registry) Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			SHA256 string `json:"sha256"`
		}

		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return errkind.New(errkind.InvalidInput, "bad object_gc payload")
		}

		count, err := objects.CountReferences(ctx, payload.SHA256)
		if err != nil {
			return err
		}

		if count > 0 {
			return nil
		}

		obj, err := objects.Find(ctx, payload.SHA256)
		if err != nil {
			return err
		}

		if obj == nil {
			return nil
		}

		if err := blobs.Delete(ctx, obj.StorageKey); err != nil {
			return err
		}

		return objects.Delete(ctx, payload.SHA256)
	}
}

// StagingReapHandler builds the handler for job.TypeStagingReap: deletes an
// abandoned staging blob.
func StagingReapHandler(blobs interface {
	Delete(ctx context.Context, key string) error
}) Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			Key string `json:"key"`
		}

		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return errkind.New(errkind.InvalidInput, "bad staging_reap payload")
		}

		return blobs.Delete(ctx, payload.Key)
	}
}

// ExportPackageHandler builds the handler for job.TypeExportPackage: builds
// the archive and hands the bytes to a sink (e.g. an adapter that PUTs them
// back to object storage under an export/ prefix and records a download
// URL), since the job payload only carries what to export, not where the
// finished artifact ends up.
func ExportPackageHandler(assembler *export.Assembler, sink func(ctx context.Context, repoID uuid.UUID, ref string, archive []byte) error) Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			RepoID   string `json:"repoId"`
			Ref      string `json:"ref"`
			CommitID string `json:"commitId"`
		}

		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return errkind.New(errkind.InvalidInput, "bad export_package payload")
		}

		repoID, err := uuid.Parse(payload.RepoID)
		if err != nil {
			return errkind.New(errkind.InvalidInput, "bad repoId in export payload")
		}

		commitID, err := uuid.Parse(payload.CommitID)
		if err != nil {
			return errkind.New(errkind.InvalidInput, "bad commitId in export payload")
		}

		archive, err := assembler.BufferedBuild(ctx, repoID, payload.Ref, commitID)
		if err != nil {
			return err
		}

		return sink(ctx, repoID, payload.Ref, archive)
	}
}

// WebhookDeliverHandler builds the handler for job.TypeWebhookDeliver: pops
// due deliveries and attempts each, rescheduling with backoff or moving to
// the dead-letter table once MaxAttempts is exhausted (§4.8). One delivery
// failing (a single endpoint timing out) must not stop the rest of the batch
// from being attempted, so every delivery's error is collected into one
// aggregate rather than the handler returning on the first failure.
func WebhookDeliverHandler(store job.WebhookStore, sender *webhook.Sender, backoffBase time.Duration) Handler {
	return func(ctx context.Context, j *job.Job) error {
		deliveries, err := store.DueDeliveries(ctx, 20)
		if err != nil {
			return err
		}

		var result *multierror.Error

		for _, d := range deliveries {
			if err := deliverOne(ctx, store, sender, d, backoffBase); err != nil {
				result = multierror.Append(result, err)
			}
		}

		return result.ErrorOrNil()
	}
}

func deliverOne(ctx context.Context, store job.WebhookStore, sender *webhook.Sender, d *job.WebhookDelivery, backoffBase time.Duration) error {
	var envelope job.Envelope
	if err := json.Unmarshal(d.Payload, &envelope); err != nil {
		return store.MoveToDeadLetter(ctx, d, "malformed envelope: "+err.Error())
	}

	hook := &job.Webhook{ID: d.WebhookID}

	deliverErr := sender.Deliver(ctx, hook, envelope)
	if deliverErr == nil {
		return store.MarkDelivered(ctx, d.ID, time.Now())
	}

	attempts := d.Attempts + 1
	if attempts >= d.MaxAttempts {
		return store.MoveToDeadLetter(ctx, d, deliverErr.Error())
	}

	delay := backoffBase * time.Duration(1<<uint(attempts))

	return store.RescheduleDelivery(ctx, d.ID, attempts, time.Now().Add(delay))
}

// RDFMaterializeHandler builds the handler for job.TypeRDFMaterialize:
// serializes an entry's canonical metadata as an RDF-bearing sidecar
// document (§6: "optional rdf/<format>/<path> files" in the export
// archive), keyed by commit+path so it can be looked up the same way a
// metaindex row is.
func RDFMaterializeHandler(commits commit.Store, sink func(ctx context.Context, commitID uuid.UUID, path string, rdf []byte) error) Handler {
	return func(ctx context.Context, j *job.Job) error {
		var payload struct {
			CommitID string `json:"commitId"`
			Path     string `json:"path"`
		}

		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return errkind.New(errkind.InvalidInput, "bad rdf_materialize payload")
		}

		commitID, err := uuid.Parse(payload.CommitID)
		if err != nil {
			return errkind.New(errkind.InvalidInput, "bad commitId in rdf_materialize payload")
		}

		entry, err := commits.FindEntry(ctx, commitID, payload.Path)
		if err != nil {
			return err
		}

		if entry == nil {
			return errkind.New(errkind.NotFound, "entry not found for rdf materialize")
		}

		rdf, err := materializeTurtle(entry)
		if err != nil {
			return err
		}

		return sink(ctx, commitID, payload.Path, rdf)
	}
}

// materializeTurtle renders an entry's metadata as a minimal Turtle
// document, one triple per top-level metadata key, subject identified by
// commit+path.
func materializeTurtle(e *commit.Entry) ([]byte, error) {
	var buf bytes.Buffer

	subject := "<urn:blacklake:entry:" + e.CommitID.String() + ":" + e.Path + ">"

	keys := make([]string, 0, len(e.Meta))
	for k := range e.Meta {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		buf.WriteString(subject)
		buf.WriteString(" blacklake:")
		buf.WriteString(k)
		buf.WriteString(" ")

		encoded, err := json.Marshal(e.Meta[k])
		if err != nil {
			return nil, err
		}

		buf.Write(encoded)
		buf.WriteString(" .\n")
	}

	return buf.Bytes(), nil
}
