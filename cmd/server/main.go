package main

import "barberloyalty/internal/cli"

func main() {
	cli.Execute()
}
