//go:build linux

package main

import (
	"relaycast/internal/config"
	"relaycast/internal/input"
)

func newInputInjector(cfg *config.Config) (input.EventInjector, error) {
	return input.NewXTestInjector(cfg.Display)
}
