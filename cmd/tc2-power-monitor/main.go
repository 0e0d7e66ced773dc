package main

import (
	"fmt"
	"os"

	"github.com/TheCacophonyProject/go-utils/logging"
	powermonitor "github.com/TheCacophonyProject/tc2-power-monitor/internal/power-monitor"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

// Each subcommand parses its own flags from the remaining arguments.
var subcommands = map[string]func(args []string, version string) error{
	"power-monitor": powermonitor.Run,
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		log.Info("Usage: tc2-power-monitor power-monitor [args]")
		return fmt.Errorf("no subcommand given")
	}
	runFn, ok := subcommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
	return runFn(args[1:], version)
}
