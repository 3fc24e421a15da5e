package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claimpilot/claimpilot/internal/model"
	"github.com/claimpilot/claimpilot/internal/store"
)

var (
	submitAmount      float64
	submitDescription string
	submitClaimant    string
	submitDocuments   []string
	submitImages      []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new claim with its evidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if submitAmount <= 0 {
			return eris.New("claim amount must be positive")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		claim, err := st.CreateClaim(ctx, model.Claim{
			ID:          uuid.NewString(),
			Amount:      submitAmount,
			Description: submitDescription,
			Claimant:    submitClaimant,
			Status:      model.ClaimStatusSubmitted,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return eris.Wrap(err, "create claim")
		}

		evidence, err := attachEvidence(ctx, st, claim.ID)
		if err != nil {
			return err
		}

		zap.L().Info("claim submitted",
			zap.String("claim_id", claim.ID),
			zap.Float64("amount", claim.Amount),
			zap.Int("evidence", len(evidence)))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"claim": claim, "evidence": evidence})
	},
}

// attachEvidence records each --document and --image path as an evidence row.
// Paths are checked and made absolute so a later evaluation run can read them
// from any working directory.
func attachEvidence(ctx context.Context, st store.Store, claimID string) ([]model.Evidence, error) {
	type item struct {
		path string
		kind model.EvidenceKind
	}
	var items []item
	for _, p := range submitDocuments {
		items = append(items, item{p, model.EvidenceKindDocument})
	}
	for _, p := range submitImages {
		items = append(items, item{p, model.EvidenceKindImage})
	}

	var out []model.Evidence
	for _, it := range items {
		abs, err := filepath.Abs(it.path)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve evidence path %s", it.path)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, eris.Wrapf(err, "evidence file %s", it.path)
		}
		ev, err := st.AddEvidence(ctx, model.Evidence{
			ID:        uuid.NewString(),
			ClaimID:   claimID,
			Kind:      it.kind,
			Locator:   abs,
			Status:    model.EvidenceStatusUploaded,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, eris.Wrapf(err, "attach evidence %s", it.path)
		}
		out = append(out, *ev)
	}
	return out, nil
}

func init() {
	submitCmd.Flags().Float64Var(&submitAmount, "amount", 0, "claimed amount in USD (required)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "what happened (required)")
	submitCmd.Flags().StringVar(&submitClaimant, "claimant", "", "claimant settlement address (required)")
	submitCmd.Flags().StringSliceVar(&submitDocuments, "document", nil, "path to a supporting document, repeatable")
	submitCmd.Flags().StringSliceVar(&submitImages, "image", nil, "path to a damage photo, repeatable")
	_ = submitCmd.MarkFlagRequired("amount")
	_ = submitCmd.MarkFlagRequired("description")
	_ = submitCmd.MarkFlagRequired("claimant")
	rootCmd.AddCommand(submitCmd)
}
