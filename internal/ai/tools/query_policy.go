package tools

import (
	"regexp"
	"strings"
)

type QueryRisk string

const (
	QueryRiskReadonly  QueryRisk = "readonly"
	QueryRiskMutating  QueryRisk = "mutating"
	QueryRiskDangerous QueryRisk = "dangerous"
)

// Statements that reach outside the tables database or can corrupt it.
var dangerousQueryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^attach\b`),
	regexp.MustCompile(`^detach\b`),
	regexp.MustCompile(`^vacuum\b.*\binto\b`),
	regexp.MustCompile(`^pragma\s+writable_schema\b`),
	regexp.MustCompile(`\bload_extension\s*\(`),
}

var readonlyVerbs = map[string]struct{}{
	"select":  {},
	"with":    {},
	"values":  {},
	"explain": {},
}

// Write verbs that may appear inside a WITH statement after the CTEs.
var writeKeywords = regexp.MustCompile(`\b(insert|update|delete|replace|create|drop|alter)\b`)

// ClassifyQueryRisk looks at every statement in query. One mutating statement makes the whole
// query mutating; any dangerous statement makes it dangerous.
func ClassifyQueryRisk(query string) QueryRisk {
	stmts := splitStatements(query)
	if len(stmts) == 0 {
		return QueryRiskMutating
	}
	risk := QueryRiskReadonly
	for _, stmt := range stmts {
		lower := strings.ToLower(stmt)
		for _, p := range dangerousQueryPatterns {
			if p.MatchString(lower) {
				return QueryRiskDangerous
			}
		}
		if !isReadonlyStatement(lower) {
			risk = QueryRiskMutating
		}
	}
	return risk
}

func isReadonlyStatement(lower string) bool {
	verb := lower
	if i := strings.IndexFunc(verb, func(r rune) bool { return !(r >= 'a' && r <= 'z' || r == '_') }); i >= 0 {
		verb = verb[:i]
	}
	if verb == "pragma" {
		// PRAGMA name = value writes; PRAGMA name or name(arg) reads.
		return !strings.Contains(lower, "=")
	}
	if _, ok := readonlyVerbs[verb]; !ok {
		return false
	}
	if verb == "with" || verb == "explain" {
		return !writeKeywords.MatchString(stripLiterals(lower))
	}
	return true
}

// splitStatements splits on semicolons outside quotes and drops comments.
func splitStatements(query string) []string {
	var out []string
	var sb strings.Builder
	var quote rune
	runes := []rune(query)
	flush := func() {
		part := strings.TrimSpace(sb.String())
		if part != "" {
			out = append(out, part)
		}
		sb.Reset()
	}
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if quote != 0 {
			sb.WriteRune(ch)
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			sb.WriteRune(ch)
		case ch == '[':
			quote = ']'
			sb.WriteRune(ch)
		case ch == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			sb.WriteRune(' ')
		case ch == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			sb.WriteRune(' ')
		case ch == ';':
			flush()
		default:
			sb.WriteRune(ch)
		}
	}
	flush()
	return out
}

// stripLiterals blanks quoted strings and identifiers so keywords inside them do not count.
func stripLiterals(stmt string) string {
	var sb strings.Builder
	var quote rune
	for _, ch := range stmt {
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			quote = ch
			sb.WriteString(" _ ")
		case '[':
			quote = ']'
			sb.WriteString(" _ ")
		default:
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}
