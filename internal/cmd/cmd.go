// Package cmd implements reqrun's CLI.
package cmd

import (
	"context"
	"os"
	"os/signal"

	"go.followtheprocess.codes/cli"
	"go.followtheprocess.codes/reqrun/internal/req"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build returns the root reqrun CLI command.
func Build() (*cli.Command, error) {
	return cli.New(
		"reqrun",
		cli.Short("Run .http request files on the command line"),
		cli.Allow(cli.NoArgs()),
		cli.Version(version),
		cli.Commit(commit),
		cli.BuildDate(date),
		cli.SubCommands(check, show, run),
	)
}

// check returns the check subcommand.
func check() (*cli.Command, error) {
	var options req.CheckOptions
	return cli.New(
		"check",
		cli.Short("Check .http files for syntax errors"),
		cli.Allow(cli.MinArgs(1)),
		cli.Flag(&options.JSON, "json", 'j', false, "Report syntax errors as JSON"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			req := req.New(cmd.Stdout(), cmd.Stderr(), false)
			return req.Check(args, options)
		}),
	)
}

// show returns the show subcommand.
func show() (*cli.Command, error) {
	var options req.ShowOptions
	return cli.New(
		"show",
		cli.Short("Show the contents of a .http file"),
		cli.RequiredArg("file", "Path of the .http file"),
		cli.Flag(&options.Resolve, "resolve", 'r', false, "Resolve the file handling variable interpolation etc."),
		cli.Flag(&options.JSON, "json", 'j', false, "Output the file as JSON"),
		cli.Flag(&options.Environments, "env", 'e', nil, "Environment to resolve variables against, may be repeated"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			req := req.New(cmd.Stdout(), cmd.Stderr(), false)
			return req.Show(cmd.Arg("file"), options)
		}),
	)
}

const runLong = `
Every request in the file is run in order, after the variable definitions
and imports at the top level of the file. Use '--name' or '--line' to pick
requests, a request referenced by another with '# @ref' is run for it.

Request settings are taken from the file but the defaults may be changed by
the use of command line flags like '--timeout' etc.

The exit status is non-zero if any request errors or fails an assertion.
`

// run returns the run subcommand.
func run() (*cli.Command, error) {
	var (
		options req.RunOptions
		verbose bool
	)

	return cli.New(
		"run",
		cli.Short("Run the requests in a .http file"),
		cli.Long(runLong),
		cli.RequiredArg("file", ".http file containing the requests"),
		cli.Flag(&options.Names, "name", 'n', nil, "Name of a request to run, may be repeated"),
		cli.Flag(&options.Line, "line", 'l', 0, "Run the request on this line"),
		cli.Flag(&options.Environments, "env", 'e', nil, "Environment to run in, may be repeated"),
		cli.Flag(&options.Repeat, "repeat", cli.NoShortHand, 0, "Run every request this many times"),
		cli.Flag(&options.Parallel, "parallel", cli.NoShortHand, false, "Run repetitions concurrently"),
		cli.Flag(&options.Bail, "bail", cli.NoShortHand, false, "Skip the remaining requests after a failed assertion"),
		cli.Flag(&options.Continue, "continue", cli.NoShortHand, false, "Carry on after a request errors"),
		cli.Flag(&options.Timeout, "timeout", cli.NoShortHand, 0, "Default timeout for HTTP requests"),
		cli.Flag(
			&options.ConnectionTimeout,
			"connection-timeout",
			cli.NoShortHand,
			0,
			"Default connection timeout for HTTP requests",
		),
		cli.Flag(&options.NoRedirect, "no-redirect", cli.NoShortHand, false, "Disable following redirects"),
		cli.Flag(&options.JSON, "json", 'j', false, "Report the results as JSON"),
		cli.Flag(&verbose, "verbose", 'v', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			req := req.New(cmd.Stdout(), cmd.Stderr(), verbose)
			return req.Run(ctx, cmd.Arg("file"), options)
		}),
	)
}
