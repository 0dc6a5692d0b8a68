package main

import (
	"context"
	"os"

	"smartcal/internal/cli"
	appLog "smartcal/internal/log"
)

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		appLog.Error("smartcal failed", err)
		os.Exit(cli.ExitCode(err))
	}
}
