package cli

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the subcommands of the lotledger binary.
type Kind string

const (
	KindServe       Kind = "serve"
	KindMigrate     Kind = "migrate"
	KindJobsTrigger Kind = "jobs-trigger"
	KindJobsStats   Kind = "jobs-stats"
)

// Command is a parsed invocation.
type Command struct {
	Kind Kind
	Task string
}

// ErrUsage is returned for malformed invocations.
var ErrUsage = errors.New("usage: lotledger [serve | migrate | jobs trigger <task> | jobs stats]")

// Parse maps process arguments (without the program name) to a Command.
func Parse(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{Kind: KindServe}, nil
	}
	switch strings.ToLower(args[0]) {
	case "serve":
		if len(args) != 1 {
			return Command{}, ErrUsage
		}
		return Command{Kind: KindServe}, nil
	case "migrate":
		if len(args) != 1 {
			return Command{}, ErrUsage
		}
		return Command{Kind: KindMigrate}, nil
	case "jobs":
		if len(args) < 2 {
			return Command{}, ErrUsage
		}
		switch args[1] {
		case "trigger":
			if len(args) != 3 || strings.TrimSpace(args[2]) == "" {
				return Command{}, fmt.Errorf("%w: jobs trigger needs a task name", ErrUsage)
			}
			return Command{Kind: KindJobsTrigger, Task: args[2]}, nil
		case "stats":
			return Command{Kind: KindJobsStats}, nil
		}
	}
	return Command{}, ErrUsage
}
