package tabular

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	typeInteger = "INTEGER"
	typeReal    = "REAL"
	typeText    = "TEXT"
)

var unsafeIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeTableName derives a table name from an uploaded file name: a random four letter
// prefix, then the lowercased base name with anything outside [A-Za-z0-9_] replaced.
// The prefix keeps two uploads of the same file apart.
func SafeTableName(fileName string) string {
	base := strings.TrimSuffix(filepath.Base(strings.TrimSpace(fileName)), filepath.Ext(fileName))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "uploaded_file"
	}
	safe := strings.ToLower(unsafeIdent.ReplaceAllString(base, "_"))
	return randomPrefix() + "_" + safe
}

func randomPrefix() string {
	id := uuid.New()
	var b strings.Builder
	for _, v := range id[:4] {
		b.WriteByte('a' + v%20)
	}
	return b.String()
}

// IngestCSV loads a CSV with a header row into a new table and returns its schema. Column
// types are inferred from every value: all integers → INTEGER, all numbers → REAL,
// otherwise TEXT. Empty cells become NULL and do not affect inference.
func (s *Store) IngestCSV(ctx context.Context, fileName string, r io.Reader) (TableSchema, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return TableSchema{}, ErrEmptyCSV
	}
	if err != nil {
		return TableSchema{}, fmt.Errorf("read csv header: %w", err)
	}
	records, err := cr.ReadAll()
	if err != nil {
		return TableSchema{}, fmt.Errorf("read csv: %w", err)
	}

	names := columnNames(header)
	types := inferTypes(len(names), records)
	table := SafeTableName(fileName)

	defs := make([]string, len(names))
	cols := make([]Column, len(names))
	for i, name := range names {
		defs[i] = quoteIdent(name) + " " + types[i]
		cols[i] = Column{Name: name, DataType: types[i]}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TableSchema{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), strings.Join(defs, ", "))); err != nil {
		return TableSchema{}, fmt.Errorf("create %s: %w", table, err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, quoteIdent(table), placeholders))
	if err != nil {
		return TableSchema{}, err
	}
	defer stmt.Close()
	args := make([]any, len(names))
	for line, rec := range records {
		for i := range names {
			args[i] = convertCell(cell(rec, i), types[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return TableSchema{}, fmt.Errorf("insert row %d: %w", line+2, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return TableSchema{}, err
	}
	s.log.Info("csv ingested", "file", fileName, "table", table, "rows", len(records), "columns", len(names))
	return TableSchema{Name: table, Columns: cols}, nil
}

// columnNames fills blank headers and disambiguates duplicates case-insensitively.
func columnNames(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		key := strings.ToLower(name)
		if n := seen[key]; n > 0 {
			seen[key] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
			key = strings.ToLower(name)
		}
		seen[key]++
		out[i] = name
	}
	return out
}

func inferTypes(n int, records [][]string) []string {
	types := make([]string, n)
	for i := range types {
		types[i] = typeInteger
	}
	seen := make([]bool, n)
	for _, rec := range records {
		for i := range types {
			v := strings.TrimSpace(cell(rec, i))
			if v == "" || types[i] == typeText {
				continue
			}
			seen[i] = true
			if types[i] == typeInteger {
				if _, err := strconv.ParseInt(v, 10, 64); err == nil {
					continue
				}
				types[i] = typeReal
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				types[i] = typeText
			}
		}
	}
	for i := range types {
		if !seen[i] {
			types[i] = typeText
		}
	}
	return types
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func convertCell(raw string, typ string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch typ {
	case typeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case typeReal:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return raw
}
