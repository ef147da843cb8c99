// Command pipelinectl operates the content pipeline queue: cron entry points
// for each job kind, the watchdog, and operator commands.
package main

import (
	"os"

	"content-pipeline/cmd/pipelinectl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
