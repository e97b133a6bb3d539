package main

import "github.com/felixgeelhaar/huddle/cmd/huddle/cli"

func main() {
	cli.Execute()
}
