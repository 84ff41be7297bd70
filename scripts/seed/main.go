package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// openingStock is one opening receipt applied after the catalog is loaded.
type openingStock struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	LocationID  string `json:"location_id"`
	Quantity    int64  `json:"quantity"`
}

type seedFile struct {
	OpeningStock []openingStock `json:"opening_stock"`
}

func main() {
	path := "scripts/seed/catalog.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.CatalogSeedFile = path
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	fmt.Println("→ Seeding catalog from", path)
	services, err := app.BuildServices(ctx, cfg, logger, nil)
	if err != nil {
		log.Fatalf("seed catalog: %v", err)
	}
	defer services.Close()

	fmt.Println("→ Seeding opening stock...")
	if err := seedOpeningStock(ctx, services.Engine, path, logger); err != nil {
		log.Fatalf("seed opening stock: %v", err)
	}
	fmt.Println("✓ Seed complete")
}

func seedOpeningStock(ctx context.Context, engine *inventory.Engine, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return err
	}
	for _, row := range seed.OpeningStock {
		// Stable keys: a re-run replays.
		key := fmt.Sprintf("seed:%s:%s:%s", row.ProductID, row.WarehouseID, row.LocationID)
		out, err := engine.Apply(ctx, inventory.MovementRequest{
			IdempotencyKey: key,
			Type:           inventory.MovementReceipt,
			ProductID:      row.ProductID,
			Quantity:       row.Quantity,
			Destination:    &inventory.Place{WarehouseID: row.WarehouseID, LocationID: row.LocationID},
			Reference:      "opening balance",
			CreatedBy:      "seed",
		})
		if errors.Is(err, inventory.ErrDuplicateRequest) {
			logger.Warn("opening stock changed since last seed", slog.String("key", key))
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		logger.Info("opening stock",
			slog.String("key", key),
			slog.Int64("quantity", row.Quantity),
			slog.Bool("replayed", out.Replayed))
	}
	return nil
}
