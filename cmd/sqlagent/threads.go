package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/floegence/sqlagent/internal/ai"
)

func threadsCommand() *cli.Command {
	return &cli.Command{
		Name:  "threads",
		Usage: "Inspect persisted conversation threads",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum threads to list"},
		},
		Action: func(c *cli.Context) error {
			a, err := openAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			threads, err := a.Service().ListThreads(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			if len(threads) == 0 {
				fmt.Fprintln(c.App.Writer, "no threads")
				return nil
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tSEQ\tLAST\tUPDATED\tPENDING")
			for _, t := range threads {
				pending := "-"
				if t.PendingInterruptID != "" {
					pending = t.PendingInterruptID
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", t.ThreadID, t.LatestSequence, t.LastReason, formatUnixMs(t.UpdatedAtUnixMs), pending)
			}
			return tw.Flush()
		},
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Print the transcript of a thread",
				ArgsUsage: "<thread-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print the raw state"},
				},
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					a, err := openAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					st, err := a.Service().State(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return writeJSON(c.App.Writer, st)
					}
					printTranscript(c.App.Writer, st)
					return nil
				},
			},
			{
				Name:      "checkpoints",
				Usage:     "List the checkpoints of a thread",
				ArgsUsage: "<thread-id>",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					a, err := openAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					records, err := a.Service().Checkpoints(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "SEQ\tREASON\tCREATED\tPENDING")
					for _, r := range records {
						pending := "-"
						if r.PendingInterruptID != "" {
							pending = r.PendingInterruptID
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Sequence, r.Reason, formatUnixMs(r.CreatedAtUnixMs), pending)
					}
					return tw.Flush()
				},
			},
			{
				Name:      "replay",
				Usage:     "Print the state recorded at one checkpoint",
				ArgsUsage: "<thread-id> <sequence>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print the raw state"},
				},
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 2); err != nil {
						return err
					}
					seq, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid sequence %q", c.Args().Get(1))
					}
					a, err := openAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					st, err := a.Service().Replay(c.Context, c.Args().First(), seq)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return writeJSON(c.App.Writer, st)
					}
					printTranscript(c.App.Writer, st)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete threads and their checkpoints",
				ArgsUsage: "<thread-id> [thread-id...]",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					a, err := openAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					for _, id := range c.Args().Slice() {
						if err := a.Service().DeleteThread(c.Context, id); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
					}
					return nil
				},
			},
		},
	}
}

func formatUnixMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTranscript renders a thread state for people. Thinking blocks are left out.
func printTranscript(w io.Writer, st ai.GraphState) {
	color := isTerminalWriter(w)
	fmt.Fprintf(w, "thread %s  seq %d  policy %s\n", st.ThreadID, st.Sequence, st.Policy.Mode)
	if st.Halted != "" {
		fmt.Fprintln(w, style("halted: "+string(st.Halted), color, ansiRed))
	}
	for _, m := range st.Messages {
		switch m.Role {
		case ai.RoleUser:
			fmt.Fprintln(w)
			fmt.Fprintln(w, style("user> ", color, ansiBold)+m.Text())
		case ai.RoleAssistant:
			for _, b := range m.Content {
				switch b.Type {
				case ai.BlockText:
					if t := strings.TrimSpace(b.Text); t != "" {
						fmt.Fprintln(w, t)
					}
				case ai.BlockToolUse:
					if b.ToolCall != nil {
						fmt.Fprintln(w, style(callLine(*b.ToolCall), color, ansiCyan))
					}
				}
			}
		case ai.RoleTool:
			for _, b := range m.Content {
				if b.ToolResult == nil {
					continue
				}
				r := b.ToolResult
				if r.Status == ai.ResultError {
					fmt.Fprintln(w, style(fmt.Sprintf("<- %s failed (%s): %s", r.CallID, r.Code, r.ErrorDetail), color, ansiCyan))
					continue
				}
				fmt.Fprintln(w, style("<- "+r.CallID+" "+oneLine(string(r.Payload)), color, ansiDim))
			}
		}
	}
	if in := st.PendingInterrupt; in != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, style(fmt.Sprintf("pending review %s on %s: %s", in.ID, in.ToolName, in.Reason), color, ansiYellow))
	}
}

func callLine(tc ai.ToolCall) string {
	if q := queryOf(tc.Arguments); q != "" {
		return fmt.Sprintf("-> %s [%s] %s", tc.Name, tc.Purpose, oneLine(q))
	}
	return "-> " + tc.Name + " " + oneLine(string(tc.Arguments))
}
