package main

import "github.com/kozaktomas/turtle-id/cmd"

func main() {
	cmd.Execute()
}
