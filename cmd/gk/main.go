package main

import "gatekeeper/cmd/gk/cmd"

func main() {
	cmd.Execute()
}
