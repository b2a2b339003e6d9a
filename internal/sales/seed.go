package sales

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// LoadSeedFile creates every product listed in the JSON array at path.
// Products that already exist are skipped.
func LoadSeedFile(ctx context.Context, storage Storage, path string, logger *zap.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}

	created := 0
	for _, p := range products {
		if _, err := storage.CreateProduct(ctx, p); err != nil {
			logger.Warn("skipping seed product", zap.Int64("product_id", p.ID), zap.String("name", p.Name), zap.Error(err))
			continue
		}
		created++
	}
	return created, nil
}
