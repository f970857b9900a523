package pgerror_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/atelier-dev/workspace-node/internal/pgerror"
)

func TestGetConstraintName(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "project_sessions_unit_id_key"}
	wrapped := fmt.Errorf("failed to save session: %w", pgErr)

	name, ok := pgerror.GetConstraintName(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "project_sessions_unit_id_key", name)

	_, ok = pgerror.GetConstraintName(&pgconn.PgError{Code: "42P01"})
	assert.False(t, ok, "non-constraint codes carry no constraint name")

	_, ok = pgerror.GetConstraintName(errors.New("connection refused"))
	assert.False(t, ok)

	_, ok = pgerror.GetConstraintName(nil)
	assert.False(t, ok)
}

func TestIsUniqueViolation(t *testing.T) {
	unique := fmt.Errorf("insert failed: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, pgerror.IsUniqueViolation(unique))

	foreignKey := &pgconn.PgError{Code: "23503"}
	assert.False(t, pgerror.IsUniqueViolation(foreignKey))

	assert.False(t, pgerror.IsUniqueViolation(errors.New("connection refused")))
}
