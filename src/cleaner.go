package src

import (
	"fmt"
	"os"
)

// Cleaner wipes the store and every capture artifact for a fresh start.
type Cleaner struct {
	cfg *Config
}

func NewCleaner(cfg *Config) *Cleaner {
	return &Cleaner{cfg: cfg}
}

func (c *Cleaner) Clean() error {
	if err := os.RemoveAll(c.cfg.CaptureDir); err != nil {
		return fmt.Errorf("failed to remove capture directory: %w", err)
	}
	if err := os.Remove(c.cfg.DBPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove database: %w", err)
	}
	log := componentLogger("cleaner")
	log.Info().Msg("database and captures cleared")
	return nil
}
