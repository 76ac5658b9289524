package main

import (
	"os"

	"github.com/go-delve/livecore/cmd/dlvcore/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
