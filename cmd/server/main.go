package main

import "deskflow/cmd/cli"

func main() {
	cli.Execute()
}
