package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sheerbytes/dcxfer/internal/cli"
	"github.com/sheerbytes/dcxfer/internal/termio"
)

const version = "v0.1.0"

var commands = map[string]func(context.Context, cli.Env, []string) error{
	"upload":   cli.Upload,
	"download": cli.Download,
	"locate":   cli.Locate,
	"scenario": cli.Scenario,
	"config":   cli.Config,
}

func main() {
	termio.Init()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer termio.Flush()

	if len(args) == 0 {
		printUsage()
		return 2
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(termio.Stdout(), "dcxfer", version)
		return 0
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		if hasHelpFlag(args) {
			printUsage()
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		return 2
	}

	ctx, stop := cli.Context()
	defer stop()
	env := cli.Env{
		Stdout:   termio.Stdout(),
		Stderr:   termio.Stderr(),
		Progress: termio.StderrIsTTY(),
	}
	if err := cmd(ctx, env, args[1:]); err != nil {
		fmt.Fprintf(termio.Stderr(), "dcxfer %s: %v\n", cmdName, err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: dcxfer <command> [flags] [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  upload    store a file and print its reference")
	fmt.Fprintln(termio.Stderr(), "  download  fetch a reference, verifying its digest")
	fmt.Fprintln(termio.Stderr(), "  locate    print the media record of a reference")
	fmt.Fprintln(termio.Stderr(), "  scenario  upload random bytes, download them direct and via CDN")
	fmt.Fprintln(termio.Stderr(), "  config    print the datacenter table")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  dcxfer upload ./photo.jpg")
	fmt.Fprintln(termio.Stderr(), "  dcxfer download -o photo.jpg <ref>")
	fmt.Fprintln(termio.Stderr(), "  dcxfer scenario -transport ws")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  dcxfer upload --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
