package main

import (
	"github.com/ColonelBlimp/tonelink/cmd"
	"github.com/ColonelBlimp/tonelink/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}
