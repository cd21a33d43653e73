package main

import (
	"github.com/vorteil/xfsrepair/pkg/cli"
)

func main() {

	defer cli.HandleErrors()

	cli.InitializeCommands()

	err := cli.RootCommand.Execute()
	if err != nil {
		cli.SetError(err, cli.ExitUsage)
		return
	}

}
