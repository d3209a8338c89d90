package main

import (
	"os"

	"github.com/charmbracelet/log"

	"prefixsync/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		log.Error("prefixsync failed", "error", err)
		os.Exit(app.ExitCode(err))
	}
}
