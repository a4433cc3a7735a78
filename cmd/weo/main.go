package main

import (
	"os"

	"github.com/wics-uw/weo/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
