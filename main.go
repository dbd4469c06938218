package main

import (
	"os"

	"github.com/nextlevelbuilder/clawgate/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
