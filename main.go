package main

import (
	"github.com/sloonz/ushelf/cmd"
)

func main() {
	cmd.Execute()
}
