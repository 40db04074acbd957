package main

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/DeepnessLab/moly"
)

func printConfig(w io.Writer, cfg moly.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return enc.Close()
}
