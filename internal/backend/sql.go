package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/quantlab-io/backtest/internal/domain"
)

// connect lazily opens the direct database connection.
func (c *Client) connect(ctx context.Context) (*sql.DB, error) {
	if c.dbURL == "" {
		return nil, domain.ConfigurationError("missing database URL (required for direct SQL reads/writes)")
	}
	if c.db != nil {
		return c.db, nil
	}

	db, err := sql.Open("pgx", c.dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NetworkError(cleanFailureText(fmt.Sprintf("database ping failed: %v", err)), err)
	}

	c.db = db
	return db, nil
}

// sortedKeys gives dynamic statements a deterministic column order.
func sortedKeys(m Row) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitizeIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Read executes a parameterized query against the direct database connection
// and returns the result as generic rows.
func (c *Client) Read(ctx context.Context, query string, args ...any) ([]Row, error) {
	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NetworkError(cleanFailureText(fmt.Sprintf("query failed: %v", err)), err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NetworkError(cleanFailureText(fmt.Sprintf("row iteration failed: %v", err)), err)
	}
	return out, nil
}

// Write inserts one row into table and returns the assigned ID. The insert
// commits in its own transaction; table and column names are
// identifier-escaped and values are always bound as parameters.
func (c *Client) Write(ctx context.Context, table string, data Row) (int64, error) {
	if len(data) == 0 {
		return 0, domain.ModuleError("write: data must not be empty", nil)
	}

	db, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}

	cols := sortedKeys(data)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = sanitizeIdent(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		sanitizeIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.NetworkError(cleanFailureText(fmt.Sprintf("begin failed: %v", err)), err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, domain.NetworkError(cleanFailureText(fmt.Sprintf("insert into %s failed: %v", table, err)), err)
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.NetworkError(cleanFailureText(fmt.Sprintf("commit failed: %v", err)), err)
	}
	return id, nil
}

// UpdateWhere updates rows in table matching the where column/value mapping
// and returns the affected row count. Commits per call; callers must not
// assume multi-statement atomicity across Write/UpdateWhere calls.
func (c *Client) UpdateWhere(ctx context.Context, table string, data, where Row) (int64, error) {
	if len(data) == 0 {
		return 0, domain.ModuleError("update: data must not be empty", nil)
	}
	if len(where) == 0 {
		return 0, domain.ModuleError("update: where must not be empty", nil)
	}

	db, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}

	dataCols := sortedKeys(data)
	whereCols := sortedKeys(where)

	setParts := make([]string, len(dataCols))
	args := make([]any, 0, len(dataCols)+len(whereCols))
	for i, col := range dataCols {
		setParts[i] = fmt.Sprintf("%s = $%d", sanitizeIdent(col), i+1)
		args = append(args, data[col])
	}
	whereParts := make([]string, len(whereCols))
	for i, col := range whereCols {
		whereParts[i] = fmt.Sprintf("%s = $%d", sanitizeIdent(col), len(dataCols)+i+1)
		args = append(args, where[col])
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		sanitizeIdent(table),
		strings.Join(setParts, ", "),
		strings.Join(whereParts, " AND "))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.NetworkError(cleanFailureText(fmt.Sprintf("begin failed: %v", err)), err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, domain.NetworkError(cleanFailureText(fmt.Sprintf("update %s failed: %v", table, err)), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.NetworkError(cleanFailureText(fmt.Sprintf("commit failed: %v", err)), err)
	}
	return affected, nil
}

// SetTaskStatus is a best-effort direct status update on the task record,
// bypassing the HTTP layer. It is a no-op, not an error, when no direct
// database URL is configured.
func (c *Client) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, errMsg string, completedAt *time.Time) (int64, error) {
	if c.dbURL == "" {
		return 0, nil
	}

	data := Row{"status": string(status)}
	if errMsg != "" {
		data["error_message"] = errMsg
	}
	if completedAt != nil {
		data["completed_at"] = *completedAt
	}

	return c.UpdateWhere(ctx, "backtest_tasks", data, Row{"task_id": taskID})
}
