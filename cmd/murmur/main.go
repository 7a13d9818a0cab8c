package main

import (
	"os"

	"github.com/adamavenir/murmur/internal/command"
)

func main() {
	os.Exit(command.ExitCode(command.Execute()))
}
