package main

import "defi-aggregator/internal/cli"

func main() {
	cli.Execute()
}
