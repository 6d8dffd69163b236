// Package main is the entry point for the business registry mirror.
package main

import (
	"os"

	"github.com/openregistry/bizmirror/cmd/bizmirror/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
