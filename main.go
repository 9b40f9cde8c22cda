package main

import (
	"os"

	"github.com/jurisbase/lexcrawl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
