package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"krypt.co/vatrpc/common/calculator"
	"krypt.co/vatrpc/common/config"
	"krypt.co/vatrpc/common/eventloop"
	vlog "krypt.co/vatrpc/common/log"
	"krypt.co/vatrpc/common/promise"
	"krypt.co/vatrpc/common/rpc"
	"krypt.co/vatrpc/common/socket"
	"krypt.co/vatrpc/common/twoparty"
	. "krypt.co/vatrpc/common/util"
	"krypt.co/vatrpc/common/version"
)

var log = vlog.SetupLogging("calc", logging.WARNING, false)

func main() {
	app := cli.NewApp()
	app.Name = "calc"
	app.Usage = "evaluate an expression on a remote calculator"
	app.ArgsUsage = "HOST:PORT"
	app.Version = version.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration file",
		},
		cli.Float64Flag{
			Name:  "literal, l",
			Value: 11.0,
			Usage: "Literal to evaluate",
		},
		cli.BoolFlag{
			Name:  "read, r",
			Usage: "Read the value back and print it",
		},
		cli.DurationFlag{
			Name:  "timeout, t",
			Value: 10 * time.Second,
			Usage: "Give up after this long",
		},
	}
	app.Action = calcCommand
	app.Run(os.Args)
}

func calcCommand(c *cli.Context) (err error) {
	if c.NArg() != 1 {
		fmt.Println("usage: calc HOST:PORT")
		return
	}
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return cli.NewExitError(Red("calc ▶ error loading config: "+err.Error()), 1)
	}
	log = vlog.SetupLogging("calc", vlog.ParseLevel(conf.LogLevel, logging.WARNING), conf.Syslog)

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	value, err := evaluate(ctx, c.Args().First(), conf, c.Float64("literal"), c.Bool("read"))
	if err != nil {
		return cli.NewExitError(Red("calc ▶ "+describe(err)), 1)
	}
	if c.Bool("read") {
		fmt.Println(Cyan(fmt.Sprint(value)))
	}
	return
}

// evaluate connects, asks the server's Calculator for a Value holding
// literal and, with read set, pipelines a read on that Value.
func evaluate(ctx context.Context, hostport string, conf config.Config, literal float64, read bool) (value float64, err error) {
	conn, err := socket.Dial(ctx, hostport)
	if err != nil {
		return
	}
	loop := eventloop.New(log)
	network := twoparty.NewVatNetwork(conn, conn, twoparty.SideClient, conf.NetworkOptions())
	sys := rpc.NewSystem(loop, network, nil, log)
	defer sys.Close()

	calc := calculator.Calculator{Client: sys.Bootstrap(twoparty.SideServer)}
	defer calc.Release()

	call := calc.EvaluateLiteral(literal)
	defer call.Release()
	got := promise.Then(call.Promise, func(resp *rpc.Response) (struct{}, error) {
		v, err := calculator.ValueFromResponse(resp)
		if err != nil {
			return struct{}{}, err
		}
		v.Release()
		fmt.Println("Got the value!")
		return struct{}{}, nil
	})
	if !read {
		_, err = got.Wait(ctx)
		return
	}

	v := call.Value()
	defer v.Release()
	readCall := v.Read()
	defer readCall.Release()
	if _, err = got.Wait(ctx); err != nil {
		return
	}
	resp, err := readCall.Wait(ctx)
	if err != nil {
		return
	}
	value = calculator.ReadFromResponse(resp)
	return
}

func describe(err error) string {
	var resolveErr *socket.AddressResolutionError
	var remote *rpc.RemoteException
	switch {
	case errors.Is(err, rpc.ErrPeerDisconnected):
		return ErrNoAnswer.Error()
	case errors.As(err, &resolveErr):
		return "could not resolve address: " + err.Error()
	case errors.As(err, &remote):
		return "calculator reported an error: " + remote.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the calculator"
	}
	return err.Error()
}
