package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/positions"
)

func newCheckConfigCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and its pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			// Validate only checks stage shapes; building catches bad expressions
			for _, sc := range cfg.ScrapeConfigs {
				if _, err := pipeline.New(sc.JobName, sc.PipelineStages, nil, nil); err != nil {
					return fmt.Errorf("invalid pipeline: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: configuration is valid\n", flags.file)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tNAME\tDETAIL")
			for _, c := range cfg.Clients {
				fmt.Fprintf(tw, "client\t%s\t%s %s\n", c.Name, c.Type, c.URL)
			}
			for _, sc := range cfg.ScrapeConfigs {
				fmt.Fprintf(tw, "job\t%s\t%d stages\n", sc.JobName, len(sc.PipelineStages))
			}
			return tw.Flush()
		},
	}
}

func newPositionsCmd(flags *configFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print the committed read offsets from the positions file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			current, err := positions.ReadFile(cfg.Positions.Filename)
			if err != nil {
				return err
			}
			return printPositions(cmd.OutOrStdout(), current, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func printPositions(w io.Writer, current map[string]int64, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(current)
	case "yaml":
		return yaml.NewEncoder(w).Encode(map[string]map[string]int64{"positions": current})
	case "table":
		paths := make([]string, 0, len(current))
		for p := range current {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tOFFSET")
		for _, p := range paths {
			fmt.Fprintf(tw, "%s\t%d\n", p, current[p])
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newDLQCmd(flags *configFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead letter queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered batches as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			q, err := dlq.NewDeadLetterQueue(dlq.DLQConfig{
				Dir:     cfg.DeadLetter.Dir,
				MaxSize: int64(cfg.DeadLetter.MaxSize),
				MaxAge:  cfg.DeadLetter.MaxAge,
			}, nil, nil)
			if err != nil {
				return err
			}
			defer q.Close()

			entries, err := q.GetAll()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
