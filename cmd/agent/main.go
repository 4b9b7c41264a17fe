// Package main is the entry point for the skyway agent.
// The agent provisions and reclaims cloud nodes for a batch scheduler cluster under a spending budget.
package main

import (
	"os"

	"github.com/softcane/skyway-agent/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
