package tabular

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tables.sqlite"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const salesCSV = `region,units,price,note
north,10,2.5,
south,3,4,promo
north,7,1.25,
`

func TestIngestCSVInfersTypes(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	ts, err := s.IngestCSV(ctx, "Sales Q1.csv", strings.NewReader(salesCSV))
	if err != nil {
		t.Fatalf("IngestCSV: %v", err)
	}
	if !regexp.MustCompile(`^[a-t]{4}_sales_q1$`).MatchString(ts.Name) {
		t.Fatalf("table name=%q", ts.Name)
	}
	want := []Column{{"region", "TEXT"}, {"units", "INTEGER"}, {"price", "REAL"}, {"note", "TEXT"}}
	if len(ts.Columns) != len(want) {
		t.Fatalf("columns=%v", ts.Columns)
	}
	for i := range want {
		if ts.Columns[i] != want[i] {
			t.Fatalf("column %d = %+v, want %+v", i, ts.Columns[i], want[i])
		}
	}

	desc, err := s.DescribeTable(ctx, ts.Name)
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	if len(desc.Columns) != 4 || desc.Columns[1].DataType != "INTEGER" {
		t.Fatalf("describe=%+v", desc)
	}

	res, err := s.Query(ctx, `SELECT region, SUM(units) AS total FROM "`+ts.Name+`" GROUP BY region ORDER BY region`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !res.HasResultSet() || len(res.Rows) != 2 {
		t.Fatalf("result=%+v", res)
	}
	if res.Columns[1] != "total" || res.Rows[0][1] != int64(17) {
		t.Fatalf("north total=%v", res.Rows[0])
	}
}

func TestIngestCSVHeaderEdgeCases(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	ts, err := s.IngestCSV(ctx, "dup.csv", strings.NewReader("a,A,,b\n1,2,3\n"))
	if err != nil {
		t.Fatalf("IngestCSV: %v", err)
	}
	got := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		got[i] = c.Name
	}
	if strings.Join(got, ",") != "a,A_2,column_3,b" {
		t.Fatalf("names=%v", got)
	}
	if ts.Columns[3].DataType != "TEXT" {
		t.Fatalf("all-empty column should be TEXT: %+v", ts.Columns[3])
	}

	if _, err := s.IngestCSV(ctx, "empty.csv", strings.NewReader("")); !errors.Is(err, ErrEmptyCSV) {
		t.Fatalf("expected ErrEmptyCSV, got %v", err)
	}
}

func TestListDropAndSchemaXML(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if x, err := s.SchemaXML(ctx); err != nil || x != "" {
		t.Fatalf("empty SchemaXML=%q err=%v", x, err)
	}

	big, err := s.IngestCSV(ctx, "big.csv", strings.NewReader("id\n1\n2\n3\n"))
	if err != nil {
		t.Fatalf("IngestCSV big: %v", err)
	}
	small, err := s.IngestCSV(ctx, "small.csv", strings.NewReader("id,name\n1,x\n"))
	if err != nil {
		t.Fatalf("IngestCSV small: %v", err)
	}

	tables, err := s.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 2 || tables[0].Name != big.Name || tables[0].Rows != 3 || tables[1].Columns != 2 {
		t.Fatalf("tables=%+v", tables)
	}

	x, err := s.SchemaXML(ctx)
	if err != nil {
		t.Fatalf("SchemaXML: %v", err)
	}
	for _, frag := range []string{"<tables_schema>", `<table name="` + small.Name + `">`, `<column name="name" data_type="TEXT">`} {
		if !strings.Contains(x, frag) {
			t.Fatalf("schema xml missing %q:\n%s", frag, x)
		}
	}

	if err := s.DropTable(ctx, small.Name); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if err := s.DropTable(ctx, small.Name); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("second drop: %v", err)
	}
	dropped, err := s.DropAll(ctx)
	if err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != big.Name {
		t.Fatalf("dropped=%v", dropped)
	}
}

func TestQueryWithoutResultSet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Query(ctx, `CREATE TABLE t (x INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := s.Query(ctx, `INSERT INTO t VALUES (1), (2)`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.HasResultSet() || res.RowsAffected != 2 {
		t.Fatalf("result=%+v", res)
	}
	if _, err := s.Query(ctx, `SELECT nope FROM t`); err == nil {
		t.Fatalf("expected error for unknown column")
	}
	if _, err := s.Query(ctx, "   "); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestQueryLimitCountsPastTheLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	ts, err := s.IngestCSV(ctx, "sales.csv", strings.NewReader(salesCSV))
	if err != nil {
		t.Fatalf("IngestCSV: %v", err)
	}
	res, err := s.QueryLimit(ctx, `SELECT units FROM "`+ts.Name+`" ORDER BY units`, 2)
	if err != nil {
		t.Fatalf("QueryLimit: %v", err)
	}
	if len(res.Rows) != 2 || res.TotalRows != 3 {
		t.Fatalf("rows=%v total=%d", res.Rows, res.TotalRows)
	}
	if res.Rows[0][0] != int64(3) || res.Rows[1][0] != int64(7) {
		t.Fatalf("kept rows=%v", res.Rows)
	}

	all, err := s.Query(ctx, `SELECT units FROM "`+ts.Name+`"`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all.Rows) != 3 || all.TotalRows != 3 {
		t.Fatalf("unlimited rows=%d total=%d", len(all.Rows), all.TotalRows)
	}
}
