package main

import (
	"os"

	"github.com/austindbirch/dbip_updater/cmd/dbipupdater/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
