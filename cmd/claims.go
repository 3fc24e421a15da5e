package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/store"
)

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Inspect claims",
}

var claimsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		claims, err := st.ListClaims(ctx, store.ClaimFilter{
			Status: model.ClaimStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "list claims")
		}
		if len(claims) == 0 {
			fmt.Fprintln(os.Stderr, "No claims found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tAMOUNT\tDECISION\tCONFIDENCE\tCREATED")
		for _, c := range claims {
			decision, confidence := "-", "-"
			if c.Decision != nil {
				decision = string(*c.Decision)
			}
			if c.Confidence != nil {
				confidence = fmt.Sprintf("%.2f", *c.Confidence)
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
				c.ID, c.Status, c.Amount, decision, confidence,
				c.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var claimsGetCmd = &cobra.Command{
	Use:   "get <claim-id>",
	Short: "Show one claim with its evidence and run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		claim, err := st.GetClaim(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "get claim %s", args[0])
		}
		evidence, err := st.ListEvidence(ctx, claim.ID)
		if err != nil {
			return eris.Wrap(err, "list evidence")
		}
		runs, err := st.ListRuns(ctx, claim.ID)
		if err != nil {
			return eris.Wrap(err, "list runs")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"claim":    claim,
			"evidence": evidence,
			"runs":     runs,
		})
	},
}

func init() {
	claimsListCmd.Flags().String("status", "", "filter by claim status")
	claimsListCmd.Flags().Int("limit", 50, "maximum rows")
	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsGetCmd)
	rootCmd.AddCommand(claimsCmd)
}
