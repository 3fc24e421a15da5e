package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var evaluateJSON bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <claim-id>",
	Short: "Run one evaluation for a claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		claimID := args[0]

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Engine.Run(ctx, claimID)
		if err != nil {
			return eris.Wrapf(err, "evaluate claim %s", claimID)
		}

		zap.L().Info("evaluation finished",
			zap.String("claim_id", claimID),
			zap.String("run_id", result.RunID),
			zap.String("decision", string(result.Decision)))

		if evaluateJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		fmt.Println(result.Report)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateJSON, "json", false, "print the full result as JSON instead of the report")
	rootCmd.AddCommand(evaluateCmd)
}
