package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

const (
	ToolExecuteQuery  = "execute_query"
	ToolListTables    = "list_tables"
	ToolDescribeTable = "describe_table"
)

// ToolOutput is what a handler hands back to the executor. Rows, when set, is capped by the
// executor before it reaches the model; Fields are copied into the payload as-is.
type ToolOutput struct {
	Fields map[string]any
	Rows   *RowSet
}

// RowSet is a tabular result. Values may be any driver type; the executor normalizes them.
type RowSet struct {
	Columns []string
	Rows    [][]any
	// Total is the row count before the capability applied its own limit. Zero means len(Rows).
	Total int
}

type ToolHandler func(ctx context.Context, args map[string]any) (ToolOutput, error)

// ToolSpec declares a tool to the model and the executor.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// ToolDef is the provider-facing part of a ToolSpec.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type registeredTool struct {
	spec   ToolSpec
	schema map[string]any
}

// ToolRegistry holds the tool catalog in registration order.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

func (r *ToolRegistry) Register(spec ToolSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s: missing handler", name)
	}
	schema := map[string]any{}
	if len(spec.InputSchema) > 0 {
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			return fmt.Errorf("tool %s: invalid input schema: %w", name, err)
		}
	}
	spec.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registeredTool{spec: spec, schema: schema}
	r.order = append(r.order, name)
	return nil
}

func (r *ToolRegistry) lookup(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.TrimSpace(name)]
	return t, ok
}

// Definitions returns the catalog for the reasoning node.
func (r *ToolRegistry) Definitions() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ToolDef{Name: name, Description: t.spec.Description, InputSchema: t.spec.InputSchema})
	}
	return out
}

// validateToolArguments checks required fields, unknown fields, primitive types and enums.
func validateToolArguments(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	required, _ := toStringSlice(schema["required"])
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}
	properties, hasProperties := schema["properties"].(map[string]any)
	additional := true
	if v, ok := schema["additionalProperties"].(bool); ok {
		additional = v
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := args[key]
		prop, ok := properties[key].(map[string]any)
		if !ok {
			if hasProperties && !additional {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		if typ, _ := prop["type"].(string); typ != "" && !matchesType(typ, value) {
			return fmt.Errorf("argument %q must be %s", key, typ)
		}
		if enum, ok := toStringSlice(prop["enum"]); ok && len(enum) > 0 {
			s, _ := value.(string)
			if !slices.Contains(enum, s) {
				return fmt.Errorf("argument %q must be one of %s", key, strings.Join(enum, ", "))
			}
		}
		if typ, _ := prop["type"].(string); typ == "string" {
			if s, _ := value.(string); strings.TrimSpace(s) == "" && slices.Contains(required, key) {
				return fmt.Errorf("argument %q must not be empty", key)
			}
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	default:
		return true
	}
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
