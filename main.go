package main

import (
	"github.com/sidkik/sftpwatch/cmd"
	"github.com/sidkik/sftpwatch/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
