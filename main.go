package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"redismap/client"
	"redismap/config"
	"redismap/internal/memstore"
	"redismap/redis"
	"redismap/script"
	"redismap/util/log"
)

var banner = `
                  ___
  _______ ___/ (_)__ __ _  ___ ____
 / __/ -_) _  / (_-</  ' \/ _ ` + "`" + `/ _ \
/_/  \__/\_,_/_/___/_/_/_/\_,_/ .__/
                             /_/`

var configFile string

var rootCmd = &cobra.Command{
	Use:   "redismap",
	Short: "Record mapping and set-algebra queries over a redis server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		props := config.Defaults()
		if configFile != "" {
			loaded, err := config.LoadConfigs(configFile)
			if err != nil {
				return fmt.Errorf("load %s: %w", configFile, err)
			}
			props = loaded
		} else if err := config.LoadEnv(props); err != nil {
			return err
		}
		config.Properties = props
		level, err := log.ParseLevel(props.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

func newClient(reg prometheus.Registerer) (*client.Client, *client.Metrics, error) {
	metrics := client.NewMetrics(reg)
	c, err := client.New(config.Properties, client.WithMetrics(metrics))
	return c, metrics, err
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send PING to the configured server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer c.Close()
		start := time.Now()
		reply, err := c.Execute(cmd.Context(), redis.NewCommand("PING"))
		if err == nil {
			err = reply.Err()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s from %s in %v\n", reply.String(), c.Addr(), time.Since(start))
		return nil
	},
}

var (
	serveDatabases     int
	serveNativeScripts bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-process server with a Lua script runtime and a /metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), banner)
		props := config.Properties
		srv := memstore.New(memstore.Options{Password: props.Password, Databases: serveDatabases})
		scripts := script.NewRegistry()
		if err := script.RegisterBuiltins(scripts); err != nil {
			return err
		}
		if serveNativeScripts {
			for _, s := range scripts.Scripts() {
				if srv.BindBuiltin(s.Name, s.SHA) {
					log.Debug("bound script %s to %s", s.Name, s.SHA)
				}
			}
		}
		if err := srv.Start(props.Address); err != nil {
			return err
		}
		defer srv.Close()
		log.Info("serving on %s", srv.Addr())

		prometheus.MustRegister(serverCollectors(srv)...)
		var metricsServer *http.Server
		if props.MetricsAddress != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Addr: props.MetricsAddress, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("metrics endpoint: %v", err)
				}
			}()
			log.Info("metrics on %s/metrics", props.MetricsAddress)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		log.Info("shutting down")
		if metricsServer != nil {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdown)
		}
		return nil
	},
}

// serverCollectors exports the counters of srv.
func serverCollectors(srv *memstore.Server) []prometheus.Collector {
	gauge := func(name, help string, value func(s memstore.Stats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(value(srv.Stats()))
		})
	}
	return []prometheus.Collector{
		gauge("redismap_server_connections", "Connections accepted since start",
			func(s memstore.Stats) int64 { return s.Connections }),
		gauge("redismap_server_commands", "Commands executed since start",
			func(s memstore.Stats) int64 { return s.Commands }),
		gauge("redismap_server_script_loads", "SCRIPT LOAD calls since start",
			func(s memstore.Stats) int64 { return s.ScriptLoads }),
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (.yaml or key/value .conf)")
	serveCmd.Flags().IntVar(&serveDatabases, "databases", 16, "number of logical databases")
	serveCmd.Flags().BoolVar(&serveNativeScripts, "native-scripts", false, "run built-in scripts natively instead of as Lua")
	rootCmd.AddCommand(pingCmd, serveCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
