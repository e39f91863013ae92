package main

import (
	"github.com/awnumar/memguard"

	"github.com/eatyourpeas-ltd/checktick/cli/cmd"
)

func main() {
	// Purge key material from memory on interrupt before the process dies.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
