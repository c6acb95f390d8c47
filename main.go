package main

import (
	"os"

	"github.com/Martian-dev/nerve-gmail/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
