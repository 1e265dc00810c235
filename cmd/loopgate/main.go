package main

import "github.com/loopgate/loopgate/cmd/loopgate/cmd"

func main() {
	cmd.Execute()
}
