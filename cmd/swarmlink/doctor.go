package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/swarmlink/internal/config"
	"github.com/basket/swarmlink/internal/doctor"
)

// runDoctor prints a JSON diagnosis of the local setup and exits non-zero
// if any check failed.
func runDoctor() error {
	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmlink: config load failed:", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(context.Background(), cfgPtr, Version)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}
	if !d.Healthy() {
		return fmt.Errorf("diagnosis found failing checks")
	}
	return nil
}
