package main

import (
	"context"
	"log"
	"net/http"

	"escrowflow/arbitration"
	"escrowflow/asset"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/treasury"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	bank := asset.NewBank(pool, cfg.CustodianAccountID)
	timeline := &event.Timeline{}
	outbox := &event.Outbox{}

	escrowRepo := escrow.NewRepository(pool)
	feeRepo := treasury.NewRepository(pool)

	escrowService := escrow.NewService(pool, escrowRepo, bank, feeRepo, timeline, outbox).
		WithFeeRate(cfg.FeeRateBps).
		WithHoldPeriod(cfg.EscrowHoldPeriod)

	server := &Server{
		authService:        auth.NewService(auth.NewRepository(pool), cfg.JWTSecret),
		escrowService:      escrowService,
		arbitrationService: arbitration.NewService(pool, escrowRepo, bank, timeline, outbox),
		treasuryService:    treasury.NewService(pool, feeRepo, bank, outbox, cfg.OperatorAccountID),
	}

	log.Printf("escrow api listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.Handler()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
