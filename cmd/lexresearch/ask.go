package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/lexresearch/config"
	"github.com/mohammad-safakhou/lexresearch/internal/agent"
	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

// askCMD runs one research question synchronously and prints the result.
func askCMD() *cobra.Command {
	var (
		provider   string
		contextIDs []string
		maxCost    float64
		maxTokens  int64
		quiet      bool
	)
	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a legal research question without the job queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req := agent.Request{Question: args[0], ContextIDs: contextIDs, Provider: provider}
			if cmd.Flags().Changed("max-cost") || cmd.Flags().Changed("max-tokens") {
				b := budget.FromLimits(maxCost, maxTokens)
				req.Budget = &b
			}
			if !quiet {
				req.Progress = func(_ context.Context, p agent.Progress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %s %s\n", p.Percent, p.Stage, p.Message)
				}
			}
			res, err := a.research.Run(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	ask.Flags().StringVar(&provider, "provider", "", "llm provider name (default llm.default_provider)")
	ask.Flags().StringSliceVar(&contextIDs, "context-id", nil, "document identifier to hint at (repeatable)")
	ask.Flags().Float64Var(&maxCost, "max-cost", 0, "USD limit for this run (0 = unlimited)")
	ask.Flags().Int64Var(&maxTokens, "max-tokens", 0, "token limit for this run (0 = unlimited)")
	ask.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	return ask
}
