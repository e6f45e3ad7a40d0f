// Command latch is an admission-control gateway for AI agent tool calls.
package main

import "github.com/latch-dev/latch/cmd/latch/cmd"

func main() {
	cmd.Execute()
}
