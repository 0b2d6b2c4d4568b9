package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "busctl"
	app.Usage = "introspect and drive a running busd"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "connect",
			Value: "tcp:127.0.0.1:6667",
			Usage: "network:address of the busd admin endpoint to dial",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "list-names",
			Usage: "list every currently registered name",
			Action: func(c *cli.Context) error {
				return withConn(c, func(cl *client) error { return cmdListNames(cl) })
			},
		},
		{
			Name:      "get-name-owner",
			Usage:     "print the unique name owning a well-known name",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				return withConn(c, func(cl *client) error { return cmdGetNameOwner(cl, c.Args().First()) })
			},
		},
		{
			Name:      "name-has-owner",
			Usage:     "report whether a name currently has an owner",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				return withConn(c, func(cl *client) error { return cmdNameHasOwner(cl, c.Args().First()) })
			},
		},
		{
			Name:      "add-match",
			Usage:     "add a match rule on a one-shot connection that closes when the command exits (use add-match inside repl to watch signals)",
			ArgsUsage: "<rule>",
			Action: func(c *cli.Context) error {
				return withConn(c, func(cl *client) error { return cmdAddMatch(cl, c.Args().First()) })
			},
		},
		{
			Name:  "repl",
			Usage: "open an interactive admin session",
			Action: func(c *cli.Context) error {
				return withConn(c, func(cl *client) error { repl(cl); return nil })
			},
		},
	}
	app.Action = func(c *cli.Context) error {
		return withConn(c, func(cl *client) error { repl(cl); return nil })
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withConn dials c's --connect endpoint and runs f against it, so every
// subcommand above shares the same dial-then-act shape.
func withConn(c *cli.Context, f func(*client) error) error {
	cl, err := dial(c.String("connect"))
	if err != nil {
		return err
	}
	return f(cl)
}
