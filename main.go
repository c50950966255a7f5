package main

import (
	"github.com/mkoval-dev/cloudbrowser/cmd"
)

func main() {
	cmd.Execute()
}
