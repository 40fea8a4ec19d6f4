// rdmactl -- CLI client for the rdmarun daemon's control-channel protocol.
package main

import "github.com/fogesque/rdmarun/cmd/rdmactl/commands"

func main() {
	commands.Execute()
}
