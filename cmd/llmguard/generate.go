package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/llmguard/llm"
)

// paramFlags are the generation parameters shared by generate, chat and
// batch.
type paramFlags struct {
	maxTokens   int
	temperature float64
	topP        float64
}

func (p *paramFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&p.maxTokens, "max-tokens", 0, "maximum output tokens (default client.max_output_tokens)")
	f.Float64Var(&p.temperature, "temperature", 0, "sampling temperature")
	f.Float64Var(&p.topP, "top-p", 0, "nucleus sampling mass")
}

func (p *paramFlags) params() llm.Params {
	return llm.Params{
		MaxOutputTokens: p.maxTokens,
		Temperature:     p.temperature,
		TopP:            p.topP,
	}
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		pf     paramFlags
		asJSON bool
		system string
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Send one prompt and print the reply",
		Long:  "Send one prompt and print the reply. Without arguments the prompt is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = strings.TrimSpace(string(b))
			}
			if prompt == "" {
				return errors.New("generate: empty prompt")
			}
			if system != "" {
				opts.cfg.Client.SystemPrompt = system
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				res := a.client.Generate(cmd.Context(), prompt, pf.params())
				return printResult(cmd.OutOrStdout(), res, asJSON)
			})
		},
	}

	pf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&system, "system", "", "system prompt (overrides client.system_prompt)")
	return cmd
}

// printResult writes res and returns its failure, if any.
func printResult(w io.Writer, res llm.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return res.Err()
	}

	if !res.OK() {
		return res.Err()
	}
	_, err := fmt.Fprintln(w, res.Text)
	return err
}
