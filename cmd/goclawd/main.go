// Command goclawd runs the agent bridge daemon and its CLI.
package main

import "github.com/nextlevelbuilder/goclaw-bridge/cmd"

func main() {
	cmd.Execute()
}
