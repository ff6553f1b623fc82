// Package tools is the SQL tool catalog the agent answers questions with.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/sqlagent/internal/ai"
	"github.com/floegence/sqlagent/internal/tabular"
)

// Tables is the query capability behind the catalog.
type Tables interface {
	QueryLimit(ctx context.Context, query string, maxRows int) (tabular.Result, error)
	ListTables(ctx context.Context) ([]tabular.TableInfo, error)
	DescribeTable(ctx context.Context, name string) (tabular.TableSchema, error)
}

type Options struct {
	// ReadOnly refuses statements that modify the tables.
	ReadOnly bool
	// MaxRows bounds the rows execute_query holds in memory. Zero keeps them all.
	MaxRows int
	Logger  *slog.Logger
}

var executeQuerySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "purpose": {
      "type": "string",
      "enum": ["draft", "final", "intermediate"],
      "description": "draft for exploration; final for the query whose result answers the question. Every answer needs one final query."
    },
    "query": {
      "type": "string",
      "description": "One SQLite statement. Quote identifiers with double quotes."
    }
  },
  "required": ["purpose", "query"],
  "additionalProperties": false
}`)

var listTablesSchema = json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)

var describeTableSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "table_name": {"type": "string", "description": "Exact table name as returned by list_tables."}
  },
  "required": ["table_name"],
  "additionalProperties": false
}`)

// Register adds execute_query, list_tables and describe_table to reg.
func Register(reg *ai.ToolRegistry, tables Tables, opts Options) error {
	if reg == nil || tables == nil {
		return errors.New("tools: registry and tables are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &catalog{tables: tables, readOnly: opts.ReadOnly, maxRows: opts.MaxRows, log: log}
	for _, spec := range []ai.ToolSpec{
		{
			Name:        ai.ToolExecuteQuery,
			Description: "Executes a SQL query against the user's tables (SQLite dialect) and returns the result rows.",
			InputSchema: executeQuerySchema,
			Handler:     c.executeQuery,
		},
		{
			Name:        ai.ToolListTables,
			Description: "Lists the available tables with their row and column counts.",
			InputSchema: listTablesSchema,
			Handler:     c.listTables,
		},
		{
			Name:        ai.ToolDescribeTable,
			Description: "Returns the columns and data types of one table.",
			InputSchema: describeTableSchema,
			Handler:     c.describeTable,
		},
	} {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding only the SQL catalog.
func NewRegistry(tables Tables, opts Options) (*ai.ToolRegistry, error) {
	reg := ai.NewToolRegistry()
	if err := Register(reg, tables, opts); err != nil {
		return nil, err
	}
	return reg, nil
}

type catalog struct {
	tables   Tables
	readOnly bool
	maxRows  int
	log      *slog.Logger
}

func (c *catalog) executeQuery(ctx context.Context, args map[string]any) (ai.ToolOutput, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return ai.ToolOutput{}, &ai.ToolError{Code: ai.CodeInvalidArguments, Message: "query must not be empty"}
	}
	switch risk := ClassifyQueryRisk(query); {
	case risk == QueryRiskDangerous:
		return ai.ToolOutput{}, &ai.ToolError{Code: ai.CodeInvalidArguments, Message: "statement is not allowed: it reaches outside the tables database"}
	case risk == QueryRiskMutating && c.readOnly:
		return ai.ToolOutput{}, &ai.ToolError{Code: ai.CodeInvalidArguments, Message: "tables are read-only: only SELECT, WITH, VALUES, EXPLAIN and read PRAGMA statements are allowed"}
	}

	res, err := c.tables.QueryLimit(ctx, query, c.maxRows)
	if err != nil {
		if ctx.Err() != nil {
			return ai.ToolOutput{}, ctx.Err()
		}
		c.log.Debug("query failed", "error", err)
		return ai.ToolOutput{}, ClassifyQueryError(err)
	}
	if !res.HasResultSet() {
		return ai.ToolOutput{Fields: map[string]any{
			"message":       "Query executed successfully",
			"rows_affected": res.RowsAffected,
		}}, nil
	}
	return ai.ToolOutput{
		Fields: map[string]any{"message": "Query executed successfully"},
		Rows:   &ai.RowSet{Columns: res.Columns, Rows: res.Rows, Total: int(res.TotalRows)},
	}, nil
}

func (c *catalog) listTables(ctx context.Context, _ map[string]any) (ai.ToolOutput, error) {
	tables, err := c.tables.ListTables(ctx)
	if err != nil {
		return ai.ToolOutput{}, err
	}
	list := make([]any, 0, len(tables))
	for _, t := range tables {
		list = append(list, map[string]any{"name": t.Name, "rows": t.Rows, "columns": t.Columns})
	}
	return ai.ToolOutput{Fields: map[string]any{"tables": list, "total_tables": len(tables)}}, nil
}

func (c *catalog) describeTable(ctx context.Context, args map[string]any) (ai.ToolOutput, error) {
	name, _ := args["table_name"].(string)
	ts, err := c.tables.DescribeTable(ctx, strings.TrimSpace(name))
	if errors.Is(err, tabular.ErrTableNotFound) {
		return ai.ToolOutput{}, &ai.ToolError{
			Code:    ai.CodeInvalidArguments,
			Message: fmt.Sprintf("table %q does not exist; call list_tables to see the available tables", name),
		}
	}
	if err != nil {
		return ai.ToolOutput{}, err
	}
	cols := make([]any, 0, len(ts.Columns))
	for _, col := range ts.Columns {
		cols = append(cols, map[string]any{"name": col.Name, "data_type": col.DataType})
	}
	return ai.ToolOutput{Fields: map[string]any{"table_name": ts.Name, "columns": cols}}, nil
}

// ClassifyQueryError turns a driver error into a tool error with a recovery hint the model
// can act on.
func ClassifyQueryError(err error) *ai.ToolError {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "query failed"
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such table"):
		msg += " (call list_tables to see the available tables)"
	case strings.Contains(lower, "no such column"):
		msg += " (call describe_table to see the table's columns)"
	case strings.Contains(lower, "syntax error"):
		msg += " (the dialect is SQLite)"
	case strings.Contains(lower, "readonly") || strings.Contains(lower, "read-only"):
		msg += " (the tables cannot be modified)"
	}
	return &ai.ToolError{Code: ai.CodeExecutionFailed, Message: msg}
}
