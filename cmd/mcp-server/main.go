package main

import (
	"fmt"
	"os"

	wagglemcp "github.com/waggleworks/waggle/mcp"

	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/log"
)

func main() {
	// Stdout belongs to the MCP transport; logs go to the shared log file.
	log.Initialize(false)
	defer log.Close()

	baseDir, err := config.GetConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "waggle-mcp: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadConfig()

	srv, err := wagglemcp.NewServer(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "waggle-mcp: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "waggle-mcp: %v\n", err)
		os.Exit(1)
	}
}
