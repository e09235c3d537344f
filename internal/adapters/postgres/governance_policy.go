package postgres

import (
	"context"
	"encoding/json"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/platform/dbtx"
)

// PolicyStore implements governance.Store (policy half of C7) over
// Postgres.
type PolicyStore struct {
	pool *pgxpool.Pool
}

func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

func (s *PolicyStore) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, s.pool)
}

func (s *PolicyStore) ListPoliciesFor(ctx context.Context, tenantID, action, resourcePrefix string) ([]*governance.Policy, error) {
	query, args, err := sqrl.Select("id", "tenant_id", "name", "effect", "actions", "resources", "condition").
		From("policy").
		Where(sqrl.Eq{"tenant_id": tenantID}).
		Where(`(? = ANY(actions) OR '*' = ANY(actions))`, action).
		Where(`(resources @> ARRAY[?]::text[] OR '*' = ANY(resources) OR EXISTS (
			SELECT 1 FROM unnest(resources) r WHERE ? LIKE rtrim(r, '*') || '%'
		))`, resourcePrefix, resourcePrefix).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*governance.Policy

	for rows.Next() {
		var p governance.Policy

		var effect string

		var condition []byte

		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &effect, &p.Actions, &p.Resources, &condition); err != nil {
			return nil, err
		}

		p.Effect = governance.Effect(effect)

		if len(condition) > 0 {
			var c governance.Condition
			if err := json.Unmarshal(condition, &c); err != nil {
				return nil, err
			}

			p.Condition = &c
		}

		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

func (s *PolicyStore) PutPolicy(ctx context.Context, p *governance.Policy) error {
	var condition []byte

	if p.Condition != nil {
		var err error

		condition, err = json.Marshal(p.Condition)
		if err != nil {
			return err
		}
	}

	query, args, err := sqrl.Insert("policy").
		Columns("id", "tenant_id", "name", "effect", "actions", "resources", "condition").
		Values(p.ID, p.TenantID, p.Name, string(p.Effect), p.Actions, p.Resources, condition).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, effect = EXCLUDED.effect, actions = EXCLUDED.actions,
			resources = EXCLUDED.resources, condition = EXCLUDED.condition`).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *PolicyStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	query, args, err := sqrl.Delete("policy").
		Where(sqrl.Eq{"id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}

func (s *PolicyStore) RecordPolicyAudit(ctx context.Context, subject, action, resource string, decision governance.Decision, reasonCtx map[string]any) error {
	ctxJSON, err := json.Marshal(reasonCtx)
	if err != nil {
		return err
	}

	decisionStr := "deny"
	if decision.Allowed {
		decisionStr = "allow"
	}

	query, args, err := sqrl.Insert("policy_audit").
		Columns("id", "subject", "action", "resource", "decision", "reason", "context").
		Values(uuid.New(), subject, action, resource, decisionStr, decision.Reason, ctxJSON).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.exec(ctx).Exec(ctx, query, args...)

	return err
}
