package main

import "github.com/nylon-mesh/aodv-engine/cmd"

func main() {
	cmd.Execute()
}
