package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/llmguard/llm"
	"github.com/jonwraymond/llmguard/observe"
)

// batchLine is one line of batch output.
type batchLine struct {
	Index  int        `json:"index"`
	Result llm.Result `json:"result"`
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var (
		pf     paramFlags
		delay  time.Duration
		output string
	)

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Send every prompt of a file, one per line",
		Long: `Send every prompt of FILE ("-" for stdin) in order, waiting --delay
between calls. Blank lines and lines starting with # are skipped. Each
result is written as one JSON line; a failed prompt does not stop the batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			prompts, err := parsePrompts(in)
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				return fmt.Errorf("batch: no prompts in %s", args[0])
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if !cmd.Flags().Changed("delay") {
				delay = opts.cfg.Client.InterRequestDelay
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				results := a.client.GenerateMultiple(cmd.Context(), prompts, pf.params(), delay)
				if err := writeBatch(out, results); err != nil {
					return err
				}

				failed := lo.CountBy(results, func(r llm.Result) bool { return !r.OK() })
				a.logger.Info(cmd.Context(), "batch finished",
					observe.F("prompts", len(prompts)),
					observe.F("failed", failed),
				)
				if failed > 0 {
					return fmt.Errorf("batch: %d of %d prompts failed", failed, len(prompts))
				}
				return nil
			})
		},
	}

	pf.register(cmd)
	cmd.Flags().DurationVar(&delay, "delay", time.Second, "wait between prompts (default client.inter_request_delay)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write results to this file instead of stdout")
	return cmd
}

func openInput(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(name)
}

// parsePrompts returns the non-blank, non-comment lines of r, trimmed.
func parsePrompts(r io.Reader) ([]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(strings.Split(string(b), "\n"), func(line string, _ int) (string, bool) {
		line = strings.TrimSpace(line)
		return line, line != "" && !strings.HasPrefix(line, "#")
	}), nil
}

func writeBatch(w io.Writer, results []llm.Result) error {
	enc := json.NewEncoder(w)
	lines := lo.Map(results, func(r llm.Result, i int) batchLine {
		return batchLine{Index: i, Result: r}
	})
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return err
		}
	}
	return nil
}
