package main

import "github.com/devicelab-dev/ticket-runner/pkg/cli"

func main() {
	cli.Execute()
}
