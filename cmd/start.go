package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luma/sngate/gateway"
	"github.com/luma/sngate/internal/admin"
	"github.com/luma/sngate/internal/env"
	"github.com/luma/sngate/storage"
	"github.com/luma/sngate/transport"
)

var (
	// The host to listen for datagrams on
	host string

	// The port to listen for datagrams on
	port int

	brokerHost string
	brokerPort int

	// The port to listen for http requests on
	httpPort string

	debug bool
)

func init() {
	flags := StartCmd.Flags()

	flags.StringVarP(&host, "address", "a", "0.0.0.0", "The address to listen for clients on")
	flags.IntVarP(&port, "port", "p", 1883, "The UDP port to listen for clients on")
	flags.StringVarP(&brokerHost, "broker-address", "A", "127.0.0.1", "The address of the MQTT broker")
	flags.IntVarP(&brokerPort, "broker-port", "P", 1883, "The port of the MQTT broker")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.BoolVarP(&debug, "debug", "D", false, "Log at debug level to the console and trace every datagram")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway

Every setting can be given in the environment (SNGATE_*) or in .env.local,
flags win over both.

Usage
	sngate start -A mosquitto -P 1883

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		applyFlags(cmd, conf)

		log, err := env.MakeLogger(conf.LogLevel, debug)
		if err != nil {
			return err
		}
		defer log.Sync() // nolint:errcheck

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		predefined, err := conf.Predefined()
		if err != nil {
			return err
		}

		topics, err := gateway.NewPredefinedTopics(predefined)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		store := storage.NewInmemoryStore()
		defer store.Close()

		udp := transport.NewUDP(transport.Options{
			Host:      conf.Host,
			Port:      conf.Port,
			Reuseport: conf.Reuseport,
			Trace:     conf.Trace,
			Log:       log.Named("transport"),
		})

		dispatcher := gateway.New(gateway.Options{
			BrokerAddr:      conf.BrokerAddr(),
			Writer:          udp,
			CleanupInterval: conf.CleanupInterval,
			ConnectTimeout:  conf.ConnectTimeout,
			InboundRate:     rate.Limit(conf.InboundRate),
			InboundBurst:    conf.InboundBurst,
			Predefined:      topics,
			Store:           store,
			Metrics:         gateway.NewMetrics(reg),
			Log:             log.Named("gateway"),
		})

		s := &http.Server{
			Addr: net.JoinHostPort(conf.Host, conf.HTTPPort),
			Handler: admin.NewRouter(admin.Options{
				Store:     store,
				Gatherer:  reg,
				DebugHTTP: conf.DebugHTTP,
				Log:       log.Named("http"),
			}),
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return dispatcher.Run(gctx)
		})

		if err := udp.Start(gctx, dispatcher.HandleDatagram); err != nil {
			signalStop()
			return multierr.Append(err, g.Wait())
		}

		g.Go(func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
				return err
			}

			return nil
		})

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("listen", conf.ListenAddr()),
			zap.String("broker", conf.BrokerAddr()),
			zap.String("httpPort", conf.HTTPPort))

		// Wait for a signal, or for something to fail
		<-gctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if shutdownErr := s.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("Http server forced to shutdown", zap.Error(shutdownErr))
			err = multierr.Append(err, shutdownErr)
		}

		err = multierr.Append(err, udp.Close())
		err = multierr.Append(err, g.Wait())

		log.Info("Exiting")
		return err
	},
}

// applyFlags lets any flag given on the command line override the
// environment.
func applyFlags(cmd *cobra.Command, conf *env.Config) {
	flags := cmd.Flags()

	if flags.Changed("address") {
		conf.Host = host
	}

	if flags.Changed("port") {
		conf.Port = port
	}

	if flags.Changed("broker-address") {
		conf.BrokerHost = brokerHost
	}

	if flags.Changed("broker-port") {
		conf.BrokerPort = brokerPort
	}

	if flags.Changed("http-port") {
		conf.HTTPPort = httpPort
	}

	if debug {
		conf.LogLevel = "debug"
		conf.Trace = true
		conf.DebugHTTP = true
	}
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
