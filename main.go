package main

import (
	"github.com/luma/sngate/cmd"
)

func main() {
	cmd.Execute()
}
