package main

import "github.com/bryan-buckman/lipu/internal/cli"

func main() {
	cli.Execute()
}
