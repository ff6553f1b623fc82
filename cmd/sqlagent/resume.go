package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Continue a thread whose last turn was interrupted or is waiting for review",
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

			ctx := c.Context
			threadID := c.Args().First()
			out := c.App.Writer

			// Reviews are only asked for when someone can answer them.
			var rv *reviewer
			if isTerminalReader(os.Stdin) {
				in := bufio.NewScanner(os.Stdin)
				rv = newReviewer(in, out)
			}
			cs, err := a.Service().ResumeStream(ctx, threadID)
			if err != nil {
				return err
			}
			ans, err := driveTurn(ctx, a.Service(), newTurnPrinter(out), rv, threadID, cs)
			if errors.Is(err, errInputClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			if ans.Interrupt != nil && rv == nil {
				fmt.Fprintf(out, "thread %s is waiting for review of %s (call %s)\n", threadID, ans.Interrupt.ToolName, ans.Interrupt.TriggeringCallID)
			}
			return nil
		},
	}
}
