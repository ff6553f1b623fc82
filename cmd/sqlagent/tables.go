package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/floegence/sqlagent/internal/tabular"
)

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Load CSV files into new tables",
		ArgsUsage: "<file.csv> [file.csv...]",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			a, err := openAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tTABLE\tCOLUMNS")
			for _, path := range c.Args().Slice() {
				schema, err := ingestFile(c.Context, a.Tables(), path)
				if err != nil {
					_ = tw.Flush()
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", path, schema.Name, len(schema.Columns))
			}
			return tw.Flush()
		},
	}
}

func ingestFile(ctx context.Context, tables *tabular.Store, path string) (tabular.TableSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return tabular.TableSchema{}, err
	}
	defer f.Close()
	schema, err := tables.IngestCSV(ctx, path, f)
	if err != nil {
		return tabular.TableSchema{}, fmt.Errorf("ingest %s: %w", path, err)
	}
	return schema, nil
}

func tablesCommand() *cli.Command {
	return &cli.Command{
		Name:  "tables",
		Usage: "List, describe and drop tables",
		Action: func(c *cli.Context) error {
			a, err := openAgent(c)
			if err != nil {
				return err
			}
			defer a.Close()
			return printTables(c.Context, c.App.Writer, a.Tables())
		},
		Subcommands: []*cli.Command{
			{
				Name:      "describe",
				Usage:     "Show the columns of a table",
				ArgsUsage: "<table>",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					a, err := openAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					schema, err := a.Tables().DescribeTable(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "COLUMN\tTYPE")
					for _, col := range schema.Columns {
						fmt.Fprintf(tw, "%s\t%s\n", col.Name, col.DataType)
					}
					return tw.Flush()
				},
			},
			{
				Name:      "drop",
				Usage:     "Drop tables",
				ArgsUsage: "<table> [table...]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "Drop every table"},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("all") {
						if err := requireArgs(c, 1); err != nil {
							return err
						}
					}
					a, err := openAgent(c)
					if err != nil {
						return err
					}
					defer a.Close()

					if c.Bool("all") {
						dropped, err := a.Tables().DropAll(c.Context)
						fmt.Fprintf(c.App.Writer, "dropped %d table(s)\n", len(dropped))
						return err
					}
					for _, name := range c.Args().Slice() {
						if err := a.Tables().DropTable(c.Context, name); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "dropped %s\n", name)
					}
					return nil
				},
			},
		},
	}
}

func printTables(ctx context.Context, w io.Writer, tables *tabular.Store) error {
	list, err := tables.ListTables(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no tables; load one with `sqlagent ingest <file.csv>`")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS\tCOLUMNS")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", t.Name, t.Rows, t.Columns)
	}
	return tw.Flush()
}
