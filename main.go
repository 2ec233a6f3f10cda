package main

import (
	"github.com/luma/lumen/cmd"
)

func main() {
	cmd.Execute()
}
