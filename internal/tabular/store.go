// Package tabular holds the user's uploaded tables and answers SQL against them.
//
// Tables live in a dedicated SQLite database, separate from the checkpoint log, so a model
// query can never touch conversation state.
package tabular

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrTableNotFound = errors.New("tabular: table not found")
	ErrEmptyCSV      = errors.New("tabular: csv has no header row")
)

// Store wraps the SQLite file that holds ingested tables.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing tabular db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=3000;`} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("tabular: %s: %w", stmt, err)
		}
	}
	// Tool calls of one batch run concurrently; WAL lets readers share the file.
	db.SetMaxOpenConns(4)
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TableInfo is one row of ListTables.
type TableInfo struct {
	Name    string `json:"name"`
	Rows    int64  `json:"rows"`
	Columns int    `json:"columns"`
}

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

type TableSchema struct {
	Name    string   `json:"table_name"`
	Columns []Column `json:"schema"`
}

func (s *Store) tableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ListTables reports every table with its row and column counts, largest first.
func (s *Store) ListTables(ctx context.Context) ([]TableInfo, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := make([]TableInfo, 0, len(names))
	for _, name := range names {
		info := TableInfo{Name: name}
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(name)).Scan(&info.Rows); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		cols, err := s.columns(ctx, name)
		if err != nil {
			return nil, err
		}
		info.Columns = len(cols)
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rows > out[j].Rows })
	return out, nil
}

func (s *Store) columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, err
		}
		if c.DataType == "" {
			c.DataType = "TEXT"
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DescribeTable(ctx context.Context, name string) (TableSchema, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TableSchema{}, ErrTableNotFound
	}
	cols, err := s.columns(ctx, name)
	if err != nil {
		return TableSchema{}, err
	}
	if len(cols) == 0 {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return TableSchema{Name: name, Columns: cols}, nil
}

// Schemas describes every table in name order.
func (s *Store) Schemas(ctx context.Context) ([]TableSchema, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := make([]TableSchema, 0, len(names))
	for _, name := range names {
		ts, err := s.DescribeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// SchemaXML renders every table for the system instruction.
func (s *Store) SchemaXML(ctx context.Context) (string, error) {
	tables, err := s.Schemas(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "", nil
	}
	return RenderSchemaXML(tables)
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	if _, err := s.DescribeTable(ctx, name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE `+quoteIdent(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	s.log.Info("table dropped", "table", name)
	return nil
}

// DropAll drops every table and returns the names it dropped. A failure on one table is
// logged and the rest are still attempted.
func (s *Store) DropAll(ctx context.Context) ([]string, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	dropped := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, `DROP TABLE `+quoteIdent(name)); err != nil {
			if ctx.Err() != nil {
				return dropped, ctx.Err()
			}
			s.log.Warn("drop table failed", "table", name, "error", err)
			continue
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// Result is the outcome of Query. Statements without a result set leave Columns nil and
// report RowsAffected. TotalRows counts every row the statement produced, including those
// QueryLimit did not keep.
type Result struct {
	Columns      []string
	Rows         [][]any
	TotalRows    int64
	RowsAffected int64
}

func (r Result) HasResultSet() bool { return r.Columns != nil }

// Query runs one SQL statement and keeps every row.
func (s *Store) Query(ctx context.Context, query string) (Result, error) {
	return s.QueryLimit(ctx, query, 0)
}

// QueryLimit runs one SQL statement and keeps at most maxRows rows; maxRows <= 0 keeps all.
// Rows past the limit are counted but not scanned.
func (s *Store) QueryLimit(ctx context.Context, query string, maxRows int) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, errors.New("empty query")
	}
	if !returnsRows(query) {
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return Result{}, err
		}
		n, _ := res.RowsAffected()
		return Result{RowsAffected: n}, nil
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	out := Result{Columns: cols, Rows: [][]any{}}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	for rows.Next() {
		out.TotalRows++
		if maxRows > 0 && len(out.Rows) >= maxRows {
			continue
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return out, nil
}

func returnsRows(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end >= 0 {
		q = q[:end]
	}
	switch strings.ToUpper(q) {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN":
		return true
	default:
		return false
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
