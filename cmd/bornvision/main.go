// Package main provides the bornvision command line tool.
//
// Usage:
//
//	bornvision <command> [flags]
//
// Commands:
//
//	version   print the version
//	models    list the model zoo
//	anchors   find anchor priors in a COCO annotation file
//	summary   print the layer table of a model
//	init      write a freshly initialised model checkpoint
//	forward   run a model on an image or random input
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const version = "v0.1.0-dev"

// errUsage is reported after the usage text has been printed.
var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	run   func(env *env, args []string) error
}

// env is the state shared by every command.
type env struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

var commands = []command{
	{"version", "print the version", runVersion},
	{"models", "list the model zoo", runModels},
	{"anchors", "find anchor priors in a COCO annotation file", runAnchors},
	{"summary", "print the layer table of a model", runSummary},
	{"init", "write a freshly initialised model checkpoint", runInit},
	{"forward", "run a model on an image or random input", runForward},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "bornvision:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	for _, c := range commands {
		if c.name == args[0] {
			e := &env{stdout: stdout, stderr: stderr}
			return c.run(e, args[1:])
		}
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bornvision <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.usage)
	}
}

// newFlagSet returns a flag set with the -v flag shared by all commands.
func (e *env) newFlagSet(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	verbose := fs.Bool("v", false, "enable debug logging")
	return fs, verbose
}

// parse parses args and sets up the logger.
func (e *env) parse(fs *flag.FlagSet, verbose *bool, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	e.logger = slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func runVersion(e *env, _ []string) error {
	fmt.Fprintf(e.stdout, "bornvision %s\n", version)
	return nil
}
