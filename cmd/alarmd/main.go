package main

import (
	"errors"
	"fmt"
	"os"

	appLog "alarmd/internal/log"
)

const version = "0.1.0-dev"

// exitCode is returned by commands that finish with a specific process
// exit status.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	appLog.Error("alarmd failed", err)
	os.Exit(1)
}
