package main

import (
	"context"
	"fmt"
	"os"

	"github.com/webportal/mailqueue/pkg/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
