package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pos-sync-service/internal/config"
)

// ErrRowNotFound is returned when the source row for an entity is gone.
var ErrRowNotFound = errors.New("source row not found")

// RowLoader reads the current source row of a synced entity so the
// dispatcher can build the outbound payload from fresh data rather than from
// the change notification.
type RowLoader struct {
	db     *Database
	tables []config.TableConfig
}

func NewRowLoader(db *Database, tables []config.TableConfig) *RowLoader {
	return &RowLoader{db: db, tables: tables}
}

// Load returns the row for (entityType, entityID) as a column -> value map.
// []byte values are converted to strings so the payload encodes as JSON text.
func (l *RowLoader) Load(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	var table *config.TableConfig
	for i := range l.tables {
		if l.tables[i].EntityType == entityType {
			table = &l.tables[i]
			break
		}
	}
	if table == nil {
		return nil, fmt.Errorf("no source table for entity type %s", entityType)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1",
		quoteIdent(l.db.Dialect, table.Name), quoteIdent(l.db.Dialect, table.PrimaryKey))

	rows, err := l.db.DB.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRowNotFound
	}

	row, err := scanMap(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

func scanMap(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := values[i].([]byte); ok {
			out[c] = string(b)
			continue
		}
		out[c] = values[i]
	}
	return out, nil
}

func quoteIdent(dialect, name string) string {
	if dialect == "mysql" {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
