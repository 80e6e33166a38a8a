package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/termio"
)

const version = "v0.1.0"

func main() {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	root := newRootCmd()
	root.SetOut(termio.Stdout())
	root.SetErr(termio.Stderr())
	err := root.Execute()
	termio.Flush()
	if err != nil {
		os.Exit(1)
	}
}
