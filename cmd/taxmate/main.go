package main

import "github.com/chadiek/taxmate/internal/cli"

func main() {
	cli.Execute()
}
