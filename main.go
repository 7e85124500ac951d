package main

import (
	"context"
	"os"

	"github.com/CodeMonkeyCybersecurity/warden/cmd"
)

func main() {
	err := cmd.Execute(context.Background())
	os.Exit(cmd.ExitCode(err))
}
