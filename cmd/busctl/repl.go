package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"github.com/sandia-minimega/busd/internal/bus"
	"github.com/sandia-minimega/busd/internal/wire"
)

// repl drives an interactive admin session against c, matching
// pkg/miniclient/client.go's Attach shape: a liner-backed prompt loop with
// history, one built-in command dispatched per line.
func repl(c *client) {
	fmt.Println("connected as", c.uniqueName)
	fmt.Println("commands: list-names | get-name-owner <name> | name-has-owner <name> | add-match <rule> | signals | quit")

	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	prompt := fmt.Sprintf("busctl:%s$ ", c.uniqueName)
	for {
		line, err := input.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintln(color.Output, color.RedString("read error: %v", err))
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if line == "quit" || line == "exit" {
			break
		}
		if err := dispatchLine(c, line); err != nil {
			fmt.Fprintln(color.Output, color.RedString("error: %v", err))
		}
	}
}

func dispatchLine(c *client, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "list-names":
		return cmdListNames(c)
	case "get-name-owner":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get-name-owner <name>")
		}
		return cmdGetNameOwner(c, fields[1])
	case "name-has-owner":
		if len(fields) != 2 {
			return fmt.Errorf("usage: name-has-owner <name>")
		}
		return cmdNameHasOwner(c, fields[1])
	case "add-match":
		if len(fields) < 2 {
			return fmt.Errorf("usage: add-match <rule>")
		}
		return cmdAddMatch(c, strings.Join(fields[1:], " "))
	case "signals":
		return cmdDrainSignals(c)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func cmdListNames(c *client) error {
	_, body, err := c.call(bus.DriverName, "", "ListNames", "", nil)
	if err != nil {
		return err
	}
	r := wire.NewReader(c.order, "as", body)
	ar, err := r.Recurse()
	if err != nil {
		return err
	}
	for !ar.Finished() {
		name, err := ar.ReadString()
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString(name))
	}
	return nil
}

func cmdGetNameOwner(c *client, name string) error {
	_, body, err := c.call(bus.DriverName, "", "GetNameOwner", "s", encodeString(c, name))
	if err != nil {
		return err
	}
	r := wire.NewReader(c.order, "s", body)
	owner, err := r.ReadString()
	if err != nil {
		return err
	}
	fmt.Println(owner)
	return nil
}

func cmdNameHasOwner(c *client, name string) error {
	_, body, err := c.call(bus.DriverName, "", "NameHasOwner", "s", encodeString(c, name))
	if err != nil {
		return err
	}
	r := wire.NewReader(c.order, "b", body)
	ok, err := r.ReadBool()
	if err != nil {
		return err
	}
	fmt.Println(ok)
	return nil
}

func cmdAddMatch(c *client, rule string) error {
	_, _, err := c.call(bus.DriverName, "", "AddMatch", "s", encodeString(c, rule))
	return err
}

func cmdDrainSignals(c *client) error {
	for {
		select {
		case f := <-c.signals:
			fmt.Printf("%s %s.%s from=%s\n", color.YellowString("signal"), f.header.Interface, f.header.Member, f.header.Sender)
		default:
			return nil
		}
	}
}

func encodeString(c *client, s string) []byte {
	w := wire.NewWriter(c.order, "s")
	if err := w.WriteString(s); err != nil {
		panic(err)
	}
	return w.Bytes()
}
