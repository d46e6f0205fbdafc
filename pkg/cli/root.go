package cli

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "gridguard",
		Description: "GridGuard - granular permission engine CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("gridguard", flag.ExitOnError),
	}

	root.Subcommands["migrate"] = newMigrateCommand()
	root.Subcommands["check"] = newCheckCommand()
	root.Subcommands["filter"] = newFilterCommand()
	root.Subcommands["apply"] = newApplyCommand()
	root.Subcommands["apikey"] = newAPIKeyCommand()
	root.Subcommands["janitor"] = newJanitorCommand()

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.dispatch(os.Args[1:])
}

// dispatch routes args to a subcommand, or to Run for leaf commands
func (c *Command) dispatch(args []string) error {
	if len(c.Subcommands) == 0 && c.Run != nil {
		return c.Run(args)
	}
	if len(args) == 0 || isHelp(args[0]) {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.dispatch(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

func isHelp(arg string) bool {
	return strings.EqualFold(arg, "-h") || strings.EqualFold(arg, "--help")
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
