package main

import (
	"os"

	"github.com/matrixise/compose-pay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
