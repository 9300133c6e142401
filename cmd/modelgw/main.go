package main

import (
	"fmt"
	"os"

	"github.com/skela-systems/modelgw/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
