package main

import (
	"fmt"
	"os"

	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/feature/cli"
)

func main() {
	config.LoadDotenvIfPresent()
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dvirmail: %v\n", err)
		os.Exit(1)
	}
}
