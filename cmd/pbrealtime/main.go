package main

import (
	"os"

	"github.com/vaphes/pocketbase/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
