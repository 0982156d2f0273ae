package repo

import (
	"context"

	"github.com/noah-isme/training-booking/internal/audit"
)

const auditColumns = `id, actor_kind, COALESCE(actor_user_id, ''), action, resource_type, COALESCE(resource_id, ''),
method, path, COALESCE(route, ''), status, COALESCE(ip, ''), COALESCE(user_agent, ''), COALESCE(request_id, ''),
COALESCE(metadata, 'null'::jsonb), created_at`

func scanAudit(row rowScanner) (audit.Entry, error) {
	var (
		e        audit.Entry
		kind     string
		metadata []byte
	)
	err := row.Scan(&e.ID, &kind, &e.ActorUserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Method, &e.Path,
		&e.Route, &e.Status, &e.IP, &e.UserAgent, &e.RequestID, &metadata, &e.CreatedAt)
	if err != nil {
		return audit.Entry{}, err
	}
	e.ActorKind = audit.ActorKind(kind)
	if string(metadata) != "null" {
		e.Metadata = metadata
	}
	return e, nil
}

// InsertAuditLog persists one audit line.
func (p *Postgres) InsertAuditLog(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if err := p.ready(); err != nil {
		return audit.Entry{}, err
	}
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = []byte(e.Metadata)
	}
	row := p.pool.QueryRow(ctx, `INSERT INTO audit_logs
(id, actor_kind, actor_user_id, action, resource_type, resource_id, method, path, route, status, ip, user_agent, request_id, metadata, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $15)
RETURNING `+auditColumns,
		e.ID, string(e.ActorKind), e.ActorUserID, e.Action, e.ResourceType, e.ResourceID, e.Method, e.Path, e.Route,
		e.Status, e.IP, e.UserAgent, e.RequestID, metadata, e.CreatedAt)
	return scanAudit(row)
}

// ListAuditLogs returns audit lines newest first.
func (p *Postgres) ListAuditLogs(ctx context.Context, limit, offset int) ([]audit.Entry, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_logs ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limitArg(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
