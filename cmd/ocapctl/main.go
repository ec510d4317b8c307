// Command ocapctl is the CLI client for the ocap kernel daemon, one
// command per JSON-RPC method (spec.md §6.1), built on github.com/urfave/cli
// in the same shape as the teacher's cmd/cli/cli package.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/daemonctl"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/rpc"
)

var socketFlag = cli.StringFlag{Name: "socket", Usage: "path to the daemon's console socket"}

func resolveSocket(c *cli.Context) string {
	if s := c.GlobalString("socket"); s != "" {
		return s
	}
	return config.Default(config.DefaultDir()).SocketPath
}

func dial(c *cli.Context) (*rpc.Client, error) {
	return rpc.Dial(resolveSocket(c))
}

func printErr(err error) error {
	var code int
	if ce, ok := err.(interface{ Code() int }); ok {
		code = ce.Code()
	} else {
		code = kerr.Code(err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s (code %d)\n", err.Error(), code)
	return cli.NewExitError("", 1)
}

func main() {
	app := cli.NewApp()
	app.Name = "ocapctl"
	app.Usage = "control the ocap kernel daemon"
	app.Flags = []cli.Flag{socketFlag}
	app.Commands = []cli.Command{
		statusCommand,
		launchCommand,
		terminateCommand,
		sendCommand,
		revokeCommand,
		refsCommand,
		stopCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var statusCommand = cli.Command{
	Name:  "status",
	Usage: "print the daemon's live vats, subclusters, and queue depth",
	Action: func(c *cli.Context) error {
		client, err := dial(c)
		if err != nil {
			return printErr(err)
		}
		defer client.Close()

		var res rpc.StatusResult
		if err := client.Call("getStatus", nil, &res); err != nil {
			return printErr(err)
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

var launchCommand = cli.Command{
	Name:      "launch",
	Usage:     "launch a subcluster from a cluster config JSON file",
	ArgsUsage: "<config.json>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: ocapctl launch <config.json>", 1)
		}
		raw, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return printErr(kerr.Wrap(err, "reading cluster config"))
		}
		client, err := dial(c)
		if err != nil {
			return printErr(err)
		}
		defer client.Close()

		var res rpc.LaunchResult
		if err := client.Call("launchSubcluster", rpc.LaunchParams{Config: raw}, &res); err != nil {
			return printErr(err)
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

var terminateCommand = cli.Command{
	Name:      "terminate",
	Usage:     "terminate a subcluster by id",
	ArgsUsage: "<subclusterId>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: ocapctl terminate <subclusterId>", 1)
		}
		client, err := dial(c)
		if err != nil {
			return printErr(err)
		}
		defer client.Close()

		if err := client.Call("terminateSubcluster", rpc.TerminateParams{SubclusterID: c.Args().Get(0)}, nil); err != nil {
			return printErr(err)
		}
		fmt.Println("terminated")
		return nil
	},
}

var sendCommand = cli.Command{
	Name:      "send",
	Usage:     "send a method call to a kref, printing its eventual result",
	ArgsUsage: "<kref> <method> [jsonBody]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.NewExitError("usage: ocapctl send <kref> <method> [jsonBody]", 1)
		}
		var body []byte
		if c.NArg() >= 3 {
			body = []byte(c.Args().Get(2))
		}
		client, err := dial(c)
		if err != nil {
			return printErr(err)
		}
		defer client.Close()

		params := rpc.QueueMessageParams{
			Target: ids.Kref(c.Args().Get(0)),
			Method: c.Args().Get(1),
			Args:   capdata.CapData{Body: body},
		}
		var res capdata.CapData
		if err := client.Call("queueMessage", params, &res); err != nil {
			return printErr(err)
		}
		fmt.Println(string(res.Body))
		return nil
	},
}

var revokeCommand = cli.Command{
	Name:      "revoke",
	Usage:     "revoke a capability by kref",
	ArgsUsage: "<kref>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: ocapctl revoke <kref>", 1)
		}
		client, err := dial(c)
		if err != nil {
			return printErr(err)
		}
		defer client.Close()

		var res rpc.RevokeResult
		if err := client.Call("revoke", rpc.RevokeParams{Kref: c.Args().Get(0)}, &res); err != nil {
			return printErr(err)
		}
		fmt.Println(res.OK)
		return nil
	},
}

var refsCommand = cli.Command{
	Name:  "refs",
	Usage: "list every live kernel object ref",
	Action: func(c *cli.Context) error {
		client, err := dial(c)
		if err != nil {
			return printErr(err)
		}
		defer client.Close()

		var res rpc.ListRefsResult
		if err := client.Call("listRefs", nil, &res); err != nil {
			return printErr(err)
		}
		for _, r := range res.Refs {
			fmt.Printf("%s\t%s\n", r.Kref, r.Ref)
		}
		return nil
	},
}

var stopCommand = cli.Command{
	Name:  "stop",
	Usage: "stop the daemon (shutdown RPC, then SIGTERM, then SIGKILL)",
	Action: func(c *cli.Context) error {
		cfg := config.Default(config.DefaultDir())
		if s := c.GlobalString("socket"); s != "" {
			cfg.SocketPath = s
		}
		if err := daemonctl.Stop(cfg.SocketPath, cfg.PIDFile); err != nil {
			return printErr(err)
		}
		fmt.Println("stopped")
		return nil
	},
}
