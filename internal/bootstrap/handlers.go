package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/adapters/scanner"
	"github.com/blacklake-io/blacklake/internal/adapters/webhook"
	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/domain/reconciler"
	"github.com/blacklake-io/blacklake/internal/platform/log"
	"github.com/blacklake-io/blacklake/internal/services/export"
	"github.com/blacklake-io/blacklake/internal/services/jobrunner"
)

type handlerDeps struct {
	runner        *jobrunner.Runner
	reconciler    *reconciler.Reconciler
	scanner       scanner.Client
	registry      object.Registry
	blobs         object.Store
	retention     governance.RetentionStore
	webhookStore  job.WebhookStore
	webhookSender *webhook.Sender
	export        *export.Assembler
	commits       commit.Store
	log           log.Logger
}

// registerHandlers binds every job type named in §4.8's table to its
// handler, wiring each to the adapters New already constructed.
func registerHandlers(d handlerDeps) {
	d.runner.Register(job.TypeAntivirusScan, jobrunner.AntivirusScanHandler(d.scanner, d.registry, d.log))
	d.runner.Register(job.TypeReindex, jobrunner.ReindexHandler(d.reconciler))
	d.runner.Register(job.TypeRetentionCheck, jobrunner.RetentionCheckHandler(d.retention, time.Now))
	d.runner.Register(job.TypeObjectGC, jobrunner.ObjectGCHandler(d.blobs, d.registry))
	d.runner.Register(job.TypeStagingReap, jobrunner.StagingReapHandler(d.blobs))
	d.runner.Register(job.TypeWebhookDeliver, jobrunner.WebhookDeliverHandler(d.webhookStore, d.webhookSender, time.Second))
	d.runner.Register(job.TypeExportPackage, jobrunner.ExportPackageHandler(d.export, exportSink(d.blobs)))
	d.runner.Register(job.TypeRDFMaterialize, jobrunner.RDFMaterializeHandler(d.commits, rdfSink(d.blobs)))
}

// exportSink uploads a finished archive back to object storage under an
// exports/ prefix, keyed by repo+ref, rather than returning it inline in
// the job result — archives can be large enough that the job table is the
// wrong place to store them. Uploads through the same presigned-PUT path a
// regular client would use, so object storage credentials never need to
// reach the job runner directly.
func exportSink(blobs object.Store) func(ctx context.Context, repoID uuid.UUID, ref string, archive []byte) error {
	return func(ctx context.Context, repoID uuid.UUID, ref string, archive []byte) error {
		return putViaPresign(ctx, blobs, "exports/"+repoID.String()+"/"+ref+".tar.gz", archive, "application/gzip")
	}
}

// rdfSink stores a materialized RDF document as a blob keyed by a
// deterministic path derived from commit+path, mirroring the export
// archive's rdf/<format>/<path> convention (§6).
func rdfSink(blobs object.Store) func(ctx context.Context, commitID uuid.UUID, path string, rdf []byte) error {
	return func(ctx context.Context, commitID uuid.UUID, path string, rdf []byte) error {
		return putViaPresign(ctx, blobs, "rdf/turtle/"+commitID.String()+"/"+path, rdf, "text/turtle")
	}
}

func putViaPresign(ctx context.Context, blobs object.Store, key string, body []byte, contentType string) error {
	url, err := blobs.PresignPut(ctx, key, int64(len(body)), contentType, 15*time.Minute)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("presigned put to %s returned %d", key, resp.StatusCode)
	}

	return nil
}
