package roles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const hasRoleQuery = `SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2 LIMIT 1`

// SQLLookup checks user_roles over database/sql.
type SQLLookup struct {
	db *sql.DB
}

var _ Lookup = (*SQLLookup)(nil)

func NewSQLLookup(db *sql.DB) *SQLLookup { return &SQLLookup{db: db} }

// OpenPostgres opens a pgx-backed pool and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (l *SQLLookup) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, hasRoleQuery, userID, role).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user_roles: %w", err)
	}
	return true, nil
}
