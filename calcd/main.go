package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"krypt.co/vatrpc/common/calculator"
	"krypt.co/vatrpc/common/config"
	"krypt.co/vatrpc/common/eventloop"
	vlog "krypt.co/vatrpc/common/log"
	"krypt.co/vatrpc/common/rpc"
	"krypt.co/vatrpc/common/socket"
	"krypt.co/vatrpc/common/twoparty"
	. "krypt.co/vatrpc/common/util"
	"krypt.co/vatrpc/common/version"
)

const DEFAULT_ADDRESS = "127.0.0.1:5923"

var log = vlog.SetupLogging("calcd", logging.NOTICE, false)

func main() {
	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	app := cli.NewApp()
	app.Name = "calcd"
	app.Usage = "serve a Calculator capability over two-party RPC"
	app.Version = version.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration file",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "HOST:PORT to accept connections on (default " + DEFAULT_ADDRESS + ")",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "HOST:PORT to expose prometheus metrics on",
		},
		cli.IntFlag{
			Name:  "cache-size",
			Value: calculator.DEFAULT_VALUE_CACHE_SIZE,
			Usage: "Values interned per connection",
		},
	}
	app.Action = serveCommand
	app.Run(os.Args)
}

func serveCommand(c *cli.Context) (err error) {
	if c.NArg() != 0 {
		return cli.NewExitError(Red("calcd ▶ "+ErrUsage.Error()), 1)
	}
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return cli.NewExitError(Red("calcd ▶ error loading config: "+err.Error()), 1)
	}
	if c.IsSet("listen") {
		conf.Address = c.String("listen")
	}
	if conf.Address == "" {
		conf.Address = DEFAULT_ADDRESS
	}
	if c.IsSet("metrics-addr") {
		conf.MetricsAddress = c.String("metrics-addr")
	}
	log = vlog.SetupLogging("calcd", vlog.ParseLevel(conf.LogLevel, logging.NOTICE), conf.Syslog)

	listener, err := socket.Listen(conf.Address)
	if err != nil {
		return cli.NewExitError(Red("calcd ▶ "+err.Error()), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		log.Notice("stopping")
		return listener.Close()
	})
	g.Go(func() error {
		return acceptLoop(ctx, g, listener, conf, c.Int("cache-size"))
	})
	if conf.MetricsAddress != "" {
		registry := prometheus.NewRegistry()
		if err = rpc.RegisterMetrics(registry); err != nil {
			return cli.NewExitError(Red("calcd ▶ "+err.Error()), 1)
		}
		metrics := &http.Server{
			Addr:    conf.MetricsAddress,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			err := metrics.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return metrics.Close()
		})
	}

	log.Notice("calcd launched and listening on", conf.Address)
	if err = g.Wait(); err != nil && ctx.Err() == nil {
		return cli.NewExitError(Red("calcd ▶ "+err.Error()), 1)
	}
	return nil
}

func acceptLoop(ctx context.Context, g *errgroup.Group, listener net.Listener, conf config.Config, cacheSize int) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		g.Go(func() error {
			RecoverToLog(func() {
				serveConn(ctx, conn, conf, cacheSize)
			}, log)
			return nil
		})
	}
}

// serveConn runs one session on its own loop until the peer leaves or the
// daemon stops.
func serveConn(ctx context.Context, conn net.Conn, conf config.Config, cacheSize int) {
	loop := eventloop.New(log)
	network := twoparty.NewVatNetwork(conn, conn, twoparty.SideServer, conf.NetworkOptions())
	sys := rpc.NewSystem(loop, network, calculator.NewServer(loop, log, cacheSize), vlog.Module("rpc"))
	log.Info("session", sys.ID(), "from", conn.RemoteAddr())

	_, err := sys.Done().Wait(ctx)
	if ctx.Err() != nil {
		sys.Close()
		return
	}
	if errors.Is(err, rpc.ErrPeerDisconnected) {
		log.Info("session", sys.ID(), "closed by peer")
		return
	}
	log.Warning("session", sys.ID(), "ended:", err)
}
