package main

import (
	"fmt"
	"os"

	"github.com/thiagokokada/repometa/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "repometa: %v\n", err)
		os.Exit(1)
	}
}
