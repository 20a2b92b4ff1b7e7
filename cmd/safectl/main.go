package main

import "SafeTx-Relay/cmd/safectl/cmd"

func main() {
	cmd.Execute()
}
