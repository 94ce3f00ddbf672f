package main

import (
	"github.com/lecoder-ai/mconnect/src/cli"
)

func main() {
	cli.Execute()
}
