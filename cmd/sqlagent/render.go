package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/floegence/sqlagent/internal/ai"
)

// turnPrinter writes a chunk stream as it arrives. Thinking is dimmed and tool activity is
// set apart on its own lines.
type turnPrinter struct {
	w     io.Writer
	color bool

	open    bool // a text or thinking line is unterminated
	segment int
	kind    ai.ChunkKind
}

func newTurnPrinter(w io.Writer) *turnPrinter {
	return &turnPrinter{w: w, color: isTerminalWriter(w), segment: -1}
}

func (p *turnPrinter) print(cs *ai.ChunkStream) (ai.Answer, error) {
	defer cs.Close()
	for cs.Next() {
		p.chunk(cs.Chunk())
	}
	p.endLine()
	return cs.Answer(), cs.Err()
}

func (p *turnPrinter) chunk(c ai.Chunk) {
	if c.Segment != p.segment || c.Kind != p.kind {
		p.endLine()
		if p.kind != "" && (c.Kind != p.kind || c.Kind == ai.ChunkText) {
			fmt.Fprintln(p.w)
		}
		p.segment, p.kind = c.Segment, c.Kind
	}
	switch c.Kind {
	case ai.ChunkThinking:
		fmt.Fprint(p.w, style(c.Content, p.color, ansiDim))
		p.open = true
	case ai.ChunkText:
		fmt.Fprint(p.w, c.Content)
		p.open = true
	case ai.ChunkToolActivity:
		fmt.Fprintln(p.w, style(toolLine(c), p.color, ansiCyan))
	}
}

func (p *turnPrinter) endLine() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

func toolLine(c ai.Chunk) string {
	t := c.Tool
	if t == nil {
		return "-> " + c.Content
	}
	switch t.Phase {
	case ai.ActivityCall:
		if q := queryOf(t.Arguments); q != "" {
			return fmt.Sprintf("-> %s [%s] %s", t.Name, t.Purpose, oneLine(q))
		}
		return fmt.Sprintf("-> %s", t.Name)
	case ai.ActivityResult:
		if t.Status == ai.ResultError {
			return fmt.Sprintf("<- %s failed (%s): %s", t.Name, t.Code, t.ErrorDetail)
		}
		return fmt.Sprintf("<- %s ok", t.Name)
	case ai.ActivityInterrupt:
		return fmt.Sprintf("!! %s needs review: %s", t.Name, c.Content)
	}
	return "-> " + c.Content
}

func queryOf(args json.RawMessage) string {
	var v struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(args, &v)
	return strings.TrimSpace(v.Query)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// reviewer asks the operator to decide on pending interrupts.
type reviewer struct {
	in    *bufio.Scanner
	out   io.Writer
	color bool
}

func newReviewer(in *bufio.Scanner, out io.Writer) *reviewer {
	return &reviewer{in: in, out: out, color: isTerminalWriter(out)}
}

var errInputClosed = errors.New("input closed")

func (r *reviewer) readLine(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	if !r.in.Scan() {
		if err := r.in.Err(); err != nil {
			return "", err
		}
		return "", errInputClosed
	}
	return strings.TrimSpace(r.in.Text()), nil
}

func (r *reviewer) decide(in *ai.Interrupt) (ai.Decision, error) {
	fmt.Fprintln(r.out, style("Review required: "+in.Reason, r.color, ansiYellow, ansiBold))
	fmt.Fprintf(r.out, "  tool:    %s\n", in.ToolName)
	if in.Purpose != "" {
		fmt.Fprintf(r.out, "  purpose: %s\n", in.Purpose)
	}
	if q := queryOf(in.Arguments); q != "" {
		fmt.Fprintf(r.out, "  query:   %s\n", q)
	} else if len(in.Arguments) > 0 {
		fmt.Fprintf(r.out, "  args:    %s\n", in.Arguments)
	}

	d := ai.Decision{CallID: in.TriggeringCallID, ResolvedBy: "cli"}
	for {
		answer, err := r.readLine("[a]pprove, [r]eject, [e]dit query? ")
		if err != nil {
			return ai.Decision{}, err
		}
		switch strings.ToLower(answer) {
		case "a", "approve", "y", "yes":
			d.Outcome = ai.ResolutionApproved
			return d, nil
		case "r", "reject", "n", "no":
			d.Outcome = ai.ResolutionRejected
			if d.Reason, err = r.readLine("reason (optional): "); err != nil {
				return ai.Decision{}, err
			}
			return d, nil
		case "e", "edit":
			q, err := r.readLine("new query: ")
			if err != nil {
				return ai.Decision{}, err
			}
			if q == "" {
				continue
			}
			edited, err := withQuery(in.Arguments, q)
			if err != nil {
				return ai.Decision{}, err
			}
			d.Outcome = ai.ResolutionApproved
			d.EditedArguments = edited
			if d.Reason, err = r.readLine("reason (optional): "); err != nil {
				return ai.Decision{}, err
			}
			return d, nil
		}
	}
}

// withQuery replaces the query argument and keeps the rest.
func withQuery(args json.RawMessage, query string) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &obj); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}
	obj["query"] = query
	return json.Marshal(obj)
}

// driveTurn prints one streamed turn and keeps resolving interrupts until the thread is at
// rest. A nil reviewer leaves the thread suspended.
func driveTurn(ctx context.Context, svc *ai.Service, p *turnPrinter, rv *reviewer, threadID string, cs *ai.ChunkStream) (ai.Answer, error) {
	for {
		ans, err := p.print(cs)
		if err != nil {
			return ans, err
		}
		if ans.Status != ai.TurnAwaitingReview || ans.Interrupt == nil || rv == nil {
			return ans, nil
		}
		d, err := rv.decide(ans.Interrupt)
		if err != nil {
			return ans, err
		}
		if cs, err = svc.ResolveStream(ctx, threadID, d); err != nil {
			return ans, err
		}
	}
}
