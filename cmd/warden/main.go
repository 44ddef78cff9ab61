package main

import (
	"context"
	"fmt"
	"os"

	"warden/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(cli.ExitCode(err))
	}
}
