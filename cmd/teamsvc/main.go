package main

import (
	"os"

	"kyri56xcaesar/eventteams/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
