package main

import (
	"os"

	"github.com/modhost/modhost/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
