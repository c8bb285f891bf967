package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/classify"
	"github.com/polisai/polis-dlp/pkg/policy/movement"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClassifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify TEXT...",
		Short: "Detect entities in text and print its classification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := opts.load(); err != nil {
				return err
			}
			result := classify.New(nil).ClassifyText(strings.Join(args, " "))
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newHopCmd(opts *globalOptions) *cobra.Command {
	var (
		from, to, label, action string
		redacted                bool
	)

	cmd := &cobra.Command{
		Use:   "hop",
		Short: "Evaluate a single data movement hop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			evaluator, err := loadEvaluator(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			decision := evaluator.EvaluateHop(cmd.Context(), from, to, domain.State{
				ClassificationLabel: domain.Label(strings.ToUpper(label)),
				PolicyDecision:      domain.PolicyDecision{Action: domain.Action(strings.ToLower(action))},
				RedactionApplied:    redacted,
			})
			return writeJSON(cmd.OutOrStdout(), decision)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Source node")
	cmd.Flags().StringVar(&to, "to", "", "Destination node")
	cmd.Flags().StringVar(&label, "label", "", "Classification label (default INTERNAL)")
	cmd.Flags().StringVar(&action, "action", "", "Policy action (default allow)")
	cmd.Flags().BoolVar(&redacted, "redacted", false, "Whether redaction was applied")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newMovementCmd(opts *globalOptions) *cobra.Command {
	var failOnBlock bool

	cmd := &cobra.Command{
		Use:   "movement PROMPT...",
		Short: "Classify a prompt and evaluate every pipeline hop it would take",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			evaluator, err := loadEvaluator(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			orch := movement.New(nil, evaluator, movement.WithLogger(logger))
			verdict := orch.EvaluateMovement(cmd.Context(), strings.Join(args, " "))
			if err := writeJSON(cmd.OutOrStdout(), verdict); err != nil {
				return err
			}
			if failOnBlock && verdict.Blocked {
				return fmt.Errorf("movement blocked: %d hop(s) denied", countDenied(verdict.Hops))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnBlock, "fail-on-block", false, "Exit non-zero when any hop is denied")
	return cmd
}

func countDenied(hops []domain.HopDecision) int {
	n := 0
	for _, h := range hops {
		if !h.Allow {
			n++
		}
	}
	return n
}

// smokeCase is one hop check run by the smoke command.
type smokeCase struct {
	From, To string
	State    domain.State
}

var smokeCases = []smokeCase{
	{From: domain.NodeRAGOrchestrator, To: domain.NodePinecone, State: domain.State{ClassificationLabel: domain.LabelRestrictedPHI}},
	{From: domain.NodeRAGOrchestrator, To: domain.NodePinecone, State: domain.State{ClassificationLabel: domain.LabelRestrictedPII}},
	{From: domain.NodeRAGOrchestrator, To: domain.NodeLLM, State: domain.State{
		ClassificationLabel: domain.LabelInternal,
		PolicyDecision:      domain.PolicyDecision{Action: domain.ActionAllow},
		RedactionApplied:    true,
	}},
	{From: domain.NodeDLPGateway, To: domain.NodeUser, State: domain.State{PolicyDecision: domain.PolicyDecision{Action: domain.ActionBlock}}},
}

func newSmokeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Run the data movement smoke checks against the configured flows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			evaluator, err := loadEvaluator(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, c := range smokeCases {
				decision := evaluator.EvaluateHop(cmd.Context(), c.From, c.To, c.State)
				raw, err := json.Marshal(decision)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s → %s = %s\n", c.From, c.To, raw)
			}
			return nil
		},
	}
}
