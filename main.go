package main

import (
	"fmt"
	"os"

	"github.com/tphakala/gadgetbridge/cmd"
	"github.com/tphakala/gadgetbridge/internal/conf"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	settings := &conf.Settings{Version: version}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gadgetbridge: %v\n", err)
		os.Exit(1)
	}
}
