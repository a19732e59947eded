package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/m3rciful/marketbot/core/cmd"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "marketbot:", err)
		os.Exit(1)
	}
}
