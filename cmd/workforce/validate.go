package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"workforce-pipeline/internal/pipeline"
)

type validateOutput struct {
	File     string   `json:"file"`
	Format   string   `json:"format"`
	Score    float64  `json:"score"`
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures"`
}

func newValidateCmd() *cobra.Command {
	var (
		constraints []string
		strict      bool
	)
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Score a document against the validation rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			for i, c := range constraints {
				constraints[i] = strings.ToLower(strings.TrimSpace(c))
			}
			format := pipeline.FormatFor(args[0])
			res := pipeline.Evaluate(string(data), format, constraints)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(validateOutput{
				File:     args[0],
				Format:   format.Kind(),
				Score:    res.Score,
				Passed:   res.Passed,
				Failures: res.FailureStrings(),
			}); err != nil {
				return err
			}
			if strict && !res.Passed {
				return fmt.Errorf("%s failed validation", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&constraints, "constraint", nil, "constraint tag (repeatable)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when the document fails")
	return cmd
}
