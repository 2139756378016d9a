package main

import (
	"os"

	"LlamaRun/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
