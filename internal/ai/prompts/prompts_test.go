package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultPackRendersSchema(t *testing.T) {
	t.Parallel()

	s, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	now := time.Date(2026, 3, 4, 23, 0, 0, 0, time.FixedZone("x", -5*3600))
	schema := `<tables_schema><table name="ab12_sales"><column name="region" data_type="TEXT"/></table></tables_schema>`
	out, err := s.Render(SystemPrompt, NewData(now, schema))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "<current_date>2026-03-05</current_date>") {
		t.Fatalf("missing UTC date:\n%s", out)
	}
	if !strings.Contains(out, schema) {
		t.Fatalf("schema not embedded verbatim:\n%s", out)
	}
}

func TestDefaultPackWithoutTables(t *testing.T) {
	t.Parallel()

	s, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	out, err := s.Render(SystemPrompt, NewData(time.Now(), ""))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "not uploaded any tables") {
		t.Fatalf("expected empty-schema hint:\n%s", out)
	}
}

func TestLoadOverridePack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	pack := "version: \"1\"\nprompts:\n  - name: system\n    template: \"date={{ .CurrentDate }}\"\n"
	if err := os.WriteFile(path, []byte(pack), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := s.Render(SystemPrompt, Data{CurrentDate: "2026-01-01"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "date=2026-01-01" {
		t.Fatalf("out=%q", out)
	}
}

func TestParseRejectsBadPacks(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          "version: \"1\"\nprompts: []\n",
		"missing system": "prompts:\n  - name: other\n    template: x\n",
		"duplicate":      "prompts:\n  - name: system\n    template: a\n  - name: system\n    template: b\n",
		"bad template":   "prompts:\n  - name: system\n    template: \"{{ .Nope \"\n",
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
