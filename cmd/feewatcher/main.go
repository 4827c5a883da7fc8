package main

import "github.com/vietddude/feewatcher/internal/cli"

func main() {
	cli.Execute()
}
