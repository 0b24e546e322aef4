package main

import (
	"context"
	"os"

	"github.com/JakeFAU/sitewatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:]))
}
