package main

import "withdrawguard/internal/cli"

func main() {
	cli.Execute()
}
