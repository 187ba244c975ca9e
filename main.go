package main

import "github.com/flasharr/bridge/cmd"

func main() {
	cmd.Execute()
}
