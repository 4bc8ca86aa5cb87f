package main

import (
	"context"
	"log/slog"
	"os"

	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/invoice"
	"escrowflow/logging"
	"escrowflow/milestone"
	"escrowflow/party"
)

func main() {
	logging.Setup()
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	parties := party.NewService(party.NewRepository(pool), jwtSecret)
	invoices := invoice.NewService(pool, pool)
	milestones := milestone.NewService(pool, pool, nil, nil)
	custody := escrow.NewService(pool, pool, nil, nil, nil)
	disputes := dispute.NewService(pool, pool, nil, nil)

	total, err := custody.TotalCustody(ctx)
	if err != nil {
		slog.Error("read custodied total", "error", err)
		os.Exit(1)
	}

	wired := parties != nil && invoices != nil && milestones != nil && disputes != nil
	slog.Info("escrow engine ready", "custodied_total", total, "services_wired", wired)
}
