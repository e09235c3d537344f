// Package governancecmd implements the administrative "set-policy",
// "set-quota" and "release-hold" operations named in §6's CLI surface:
// thin, audited wrappers over the governance domain package's stores,
// since the governance package itself already holds the evaluation and
// enforcement logic (Evaluator, QuotaGuard, RetentionGate) — these
// commands only mutate the rows those algorithms read.
package governancecmd

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/domain/audit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
)

// Commands groups the administrative mutations behind one constructor, each
// one auditing the change it makes.
type Commands struct {
	policies governance.Store
	quotas   governance.QuotaStore
	holds    governance.RetentionStore
	audit    audit.Log
	now      func() time.Time
}

func New(policies governance.Store, quotas governance.QuotaStore, holds governance.RetentionStore, auditLog audit.Log, now func() time.Time) *Commands {
	return &Commands{policies: policies, quotas: quotas, holds: holds, audit: auditLog, now: now}
}

// SetPolicy upserts an ABAC policy and records the change.
func (c *Commands) SetPolicy(ctx context.Context, actor string, p *governance.Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	if err := c.policies.PutPolicy(ctx, p); err != nil {
		return err
	}

	return c.audit.Append(ctx, &audit.Entry{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    "set-policy",
		Resource:  p.Name,
		Decision:  "allow",
		Context:   map[string]any{"policyId": p.ID.String(), "effect": string(p.Effect)},
		CreatedAt: c.now(),
	})
}

// DeletePolicy removes an ABAC policy and records the change.
func (c *Commands) DeletePolicy(ctx context.Context, actor string, policyID uuid.UUID) error {
	if err := c.policies.DeletePolicy(ctx, policyID); err != nil {
		return err
	}

	return c.audit.Append(ctx, &audit.Entry{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    "delete-policy",
		Resource:  policyID.String(),
		Decision:  "allow",
		CreatedAt: c.now(),
	})
}

// SetQuota upserts the max_* limits for a repo- or user-scoped quota.
func (c *Commands) SetQuota(ctx context.Context, actor string, q *governance.Quota) error {
	if err := c.quotas.PutQuota(ctx, q); err != nil {
		return err
	}

	scope := q.RepoID.String()
	if q.UserID != "" {
		scope = q.UserID
	}

	return c.audit.Append(ctx, &audit.Entry{
		ID:        uuid.New(),
		RepoID:    q.RepoID,
		Actor:     actor,
		Action:    "set-quota",
		Resource:  scope,
		Decision:  "allow",
		Context:   map[string]any{"maxBytes": q.MaxBytes.String(), "maxFiles": q.MaxFiles, "maxCommits": q.MaxCommits},
		CreatedAt: c.now(),
	})
}

// ReleaseHold releases a legal hold and records the change.
func (c *Commands) ReleaseHold(ctx context.Context, actor string, repoID, holdID uuid.UUID) error {
	if err := c.holds.ReleaseHold(ctx, holdID); err != nil {
		return err
	}

	return c.audit.Append(ctx, &audit.Entry{
		ID:        uuid.New(),
		RepoID:    repoID,
		Actor:     actor,
		Action:    "release-hold",
		Resource:  holdID.String(),
		Decision:  "allow",
		CreatedAt: c.now(),
	})
}

// PutHold places a new legal hold on an entry and records the change.
func (c *Commands) PutHold(ctx context.Context, actor string, repoID uuid.UUID, h *governance.LegalHold) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}

	if h.Status == "" {
		h.Status = governance.HoldActive
	}

	if err := c.holds.PutHold(ctx, h); err != nil {
		return err
	}

	return c.audit.Append(ctx, &audit.Entry{
		ID:        uuid.New(),
		RepoID:    repoID,
		Actor:     actor,
		Action:    "put-hold",
		Resource:  h.Path,
		Decision:  "allow",
		Reason:    h.Reason,
		CreatedAt: c.now(),
	})
}
