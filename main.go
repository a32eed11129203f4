package main

import (
	"fmt"
	"os"

	"github.com/radiords/radiords/cmd"
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/logger"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   string
	buildDate string
)

func main() {
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cmd.RootCommand(settings, buildinfo.NewContext(version, buildDate))
	err = rootCmd.Execute()
	_ = logger.Global().Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
