package main

import (
	"os"

	"github.com/host-uk/hookline/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
