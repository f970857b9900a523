package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/pgerror"
)

// ErrUnitAlreadyBound means another project's durable session already
// claims the unit. The unique index on unit_id enforces one owner per
// unit even across orchestrator processes.
var ErrUnitAlreadyBound = errors.New("unit is already bound to another project")

const sessionsTable = "project_sessions"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Repository persists project sessions in Postgres. Every write is a
// single-key upsert/delete, so concurrent orchestrator instances degrade
// to last-writer-wins instead of corrupting each other's rows.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=postgres sslmode=disable pool_max_conns=15",
			user, password, addr, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) Save(ctx context.Context, session models.ProjectSession) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}

	sql := `
	insert into project_sessions (project_id, unit_id, endpoint, last_used, metadata)
	values ($1, $2, $3, $4, $5)
	on conflict (project_id) do update
	set unit_id = excluded.unit_id,
	    endpoint = excluded.endpoint,
	    last_used = excluded.last_used,
	    metadata = excluded.metadata;
	`
	_, err = r.db.Exec(ctx, sql,
		session.ProjectID,
		session.UnitID,
		session.Endpoint,
		session.LastUsed,
		metadata,
	)
	if err != nil {
		if pgerror.IsUniqueViolation(err) {
			constraint, _ := pgerror.GetConstraintName(err)
			return fmt.Errorf("session write for project %s violated %s: %w",
				session.ProjectID, constraint, ErrUnitAlreadyBound)
		}
		return fmt.Errorf("failed to save session for project %s: %w", session.ProjectID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, projectID models.ProjectID) (*models.ProjectSession, error) {
	sql, args, err := psql.
		Select("project_id", "unit_id", "endpoint", "last_used", "metadata").
		From(sessionsTable).
		Where(squirrel.Eq{"project_id": projectID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session select: %w", err)
	}

	row := r.db.QueryRow(ctx, sql, args...)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session for project %s: %w", projectID, err)
	}
	return &session, nil
}

func (r *Repository) Delete(ctx context.Context, projectID models.ProjectID) error {
	sql, args, err := psql.
		Delete(sessionsTable).
		Where(squirrel.Eq{"project_id": projectID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build session delete: %w", err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete session for project %s: %w", projectID, err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context) ([]models.ProjectSession, error) {
	sql, args, err := psql.
		Select("project_id", "unit_id", "endpoint", "last_used", "metadata").
		From(sessionsTable).
		OrderBy("last_used desc").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build sessions list: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var result []models.ProjectSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return result, nil
}

// Touch bumps last_used without rewriting the whole row; the heartbeat
// path goes through here.
func (r *Repository) Touch(ctx context.Context, projectID models.ProjectID, at time.Time) error {
	sql, args, err := psql.
		Update(sessionsTable).
		Set("last_used", at).
		Where(squirrel.Eq{"project_id": projectID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build session touch: %w", err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to touch session for project %s: %w", projectID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.ProjectSession, error) {
	var (
		session  models.ProjectSession
		metadata []byte
	)
	err := row.Scan(
		&session.ProjectID,
		&session.UnitID,
		&session.Endpoint,
		&session.LastUsed,
		&metadata,
	)
	if err != nil {
		return models.ProjectSession{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return models.ProjectSession{}, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}
	return session, nil
}
