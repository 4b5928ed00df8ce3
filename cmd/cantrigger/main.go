package main

import (
	"os"

	// Init drivers
	_ "github.com/samsamfire/cantrigger/pkg/can/socketcan"
	_ "github.com/samsamfire/cantrigger/pkg/can/socketcanv2"
	_ "github.com/samsamfire/cantrigger/pkg/can/virtual"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
