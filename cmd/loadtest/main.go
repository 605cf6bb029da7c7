// Command loadtest drives a running typing gateway with many clients.
//
// Usage:
//
//	loadtest saturate [options]   hold N idle connections, optionally in groups
//	loadtest typing [options]     measure indicator latency across direct pairs
package main

import (
	"fmt"
	"os"
	"sort"
)

var commands = map[string]struct {
	run     func(args []string)
	summary string
}{
	"saturate": {runSaturate, "open N idle connections and hold them"},
	"typing":   {runTyping, "type in direct pairs and measure indicator latency"},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "loadtest: unknown command %q\n\n", name)
		printUsage()
		os.Exit(2)
	}
	cmd.run(os.Args[2:])
}

func printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(os.Stderr, "usage: loadtest <command> [options]")
	fmt.Fprintln(os.Stderr)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'loadtest <command> -h' for a command's options.")
}
