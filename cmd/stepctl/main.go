package main

import "example.com/stepcount/internal/cli"

func main() {
	cli.Execute()
}
