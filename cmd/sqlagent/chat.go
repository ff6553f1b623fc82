package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/floegence/sqlagent/internal/ai"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive question answering over the loaded tables",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "thread",
				Aliases: []string{"t"},
				Usage:   "Continue thread `ID` (default: a new thread)",
			},
			&cli.StringFlag{
				Name:  "interrupt-mode",
				Usage: "Review policy for this session: never|final|always (default: from config)",
			},
			&cli.BoolFlag{
				Name:  "no-thinking",
				Usage: "Hide model reasoning",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	a, err := openAgent(c)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts ai.SubmitOptions
	if raw := c.String("interrupt-mode"); raw != "" {
		mode, err := ai.ParsePolicyMode(raw)
		if err != nil {
			return err
		}
		opts.Policy = &ai.InterruptPolicy{Mode: mode, SensitiveTools: a.Config().Agent.SensitiveTools}
	}
	if c.Bool("no-thinking") {
		off := false
		opts.IncludeThinking = &off
	}

	threadID := strings.TrimSpace(c.String("thread"))
	if threadID == "" {
		threadID = "th_" + uuid.NewString()
	}

	ctx := c.Context
	svc := a.Service()
	out := c.App.Writer
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	interactive := isTerminalReader(os.Stdin)
	printer := newTurnPrinter(out)
	rv := newReviewer(in, out)

	if interactive {
		tables, err := a.Tables().ListTables(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "thread %s, %d table(s) loaded. /tables lists them, /new starts a new thread, /resume continues an interrupted turn, /quit exits.\n", threadID, len(tables))
	}

	for {
		if interactive {
			fmt.Fprint(out, style("> ", printer.color, ansiBold))
		}
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			threadID = "th_" + uuid.NewString()
			fmt.Fprintf(out, "thread %s\n", threadID)
			continue
		case "/tables":
			if err := printTables(ctx, out, a.Tables()); err != nil {
				fmt.Fprintln(out, style(err.Error(), printer.color, ansiRed))
			}
			continue
		}

		var cs *ai.ChunkStream
		if line == "/resume" {
			cs, err = svc.ResumeStream(ctx, threadID)
		} else {
			cs, err = svc.SubmitStream(ctx, threadID, line, opts)
		}
		if err == nil {
			_, err = driveTurn(ctx, svc, printer, rv, threadID, cs)
		}
		switch {
		case err == nil:
		case errors.Is(err, errInputClosed), ctx.Err() != nil:
			return nil
		case errors.Is(err, ai.ErrTurnIncomplete):
			fmt.Fprintln(out, style("the previous turn did not finish; type /resume to continue it", printer.color, ansiRed))
		default:
			fmt.Fprintln(out, style("error: "+err.Error(), printer.color, ansiRed))
		}
	}
}
