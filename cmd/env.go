package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/cost"
	"github.com/claimpilot/claimpilot/internal/engine"
	"github.com/claimpilot/claimpilot/internal/payment"
	"github.com/claimpilot/claimpilot/internal/settlement"
	"github.com/claimpilot/claimpilot/internal/store"
	"github.com/claimpilot/claimpilot/internal/tools"
	"github.com/claimpilot/claimpilot/internal/verify"
	anthropicpkg "github.com/claimpilot/claimpilot/pkg/anthropic"
)

// engineEnv holds the initialized store and engine for the evaluate and
// serve commands. Callers should defer env.Close().
type engineEnv struct {
	Store  store.Store
	Engine *engine.Engine
}

func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "claimpilot.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine sets up the store, the external service clients, the tool
// registry, and the evaluation engine.
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rates, err := cost.LoadRates(cfg.Pricing.RatesFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	calc := cost.NewCalculator(rates)

	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	payments := payment.NewClient(
		payment.NewHTTPProvider(cfg.Payment.FacilitatorURL, time.Duration(cfg.Payment.TimeoutSecs)*time.Second),
		cfg.Payment.WalletAddress,
		time.Duration(cfg.Payment.ReceiptTTLSecs)*time.Second,
		payment.WithMaxFee(cfg.Payment.MaxFeeUSD),
	)
	verifier := verify.NewClient(
		cfg.Verify.BaseURL,
		time.Duration(cfg.Verify.TimeoutSecs)*time.Second,
		cfg.Verify.RatePerSec,
		payments,
		verify.WithFeeCaps(verify.FeeCaps{
			DocumentUSD: calc.VerificationCap(tools.ToolVerifyDocument),
			ImageUSD:    calc.VerificationCap(tools.ToolVerifyImage),
			FraudUSD:    calc.VerificationCap(tools.ToolVerifyFraud),
		}),
	)
	settler := settlement.NewHTTPClient(
		cfg.Settlement.GatewayURL,
		time.Duration(cfg.Settlement.TimeoutSecs)*time.Second,
	)

	registry := tools.NewRegistry(tools.Deps{
		AI:           aiClient,
		ExtractModel: cfg.Anthropic.ExtractModel,
		Calc:         calc,
		Verifier:     verifier,
		Settler:      settler,
		MismatchPct:  cfg.Engine.AmountMismatchPct,
		Timeout:      time.Duration(cfg.Agent.ToolTimeoutSecs) * time.Second,
	})
	driver := agent.New(aiClient, registry, agent.Config{
		Model:         cfg.Anthropic.AgentModel,
		MaxIterations: cfg.Agent.MaxIterations,
		ParseRetries:  cfg.Agent.ParseRetries,
	})

	return &engineEnv{
		Store:  st,
		Engine: engine.New(cfg, st, driver, registry, calc),
	}, nil
}
