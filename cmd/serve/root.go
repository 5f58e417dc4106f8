package serve

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dWire/cmd/util"
	"github.com/ValentinKolb/dWire/lib/executor"
	"github.com/ValentinKolb/dWire/transport"
	"github.com/ValentinKolb/dWire/transport/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.TransportConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dWire server",
		Long:    `Start the dWire server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DWIRE_<flag> (e.g. DWIRE_PORT=28017)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "port"
	ServeCmd.PersistentFlags().Int(key, common.DefaultPort, cmdUtil.WrapString("Port the TCP listener binds. Port 0 selects an ephemeral port"))

	key = "bind-ip"
	ServeCmd.PersistentFlags().String(key, common.DefaultBindIP, cmdUtil.WrapString("IP address the TCP listener binds"))

	key = "ipv6"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Bind a dual-stack IPv6 listener instead of IPv4"))

	key = "unix-socket"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Additionally listen on a unix domain socket"))

	key = "unix-socket-path"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the unix domain socket. Derived from the port if empty (e.g. /tmp/dwire-28017.sock)"))

	key = "backlog"
	ServeCmd.PersistentFlags().Int(key, common.DefaultListenBacklog, cmdUtil.WrapString("Listen backlog for incoming connections"))

	key = "max-message-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxMessageSize, cmdUtil.WrapString("Maximum accepted message size in bytes, including the 16 byte header"))

	key = "reserve-threads"
	ServeCmd.PersistentFlags().Int(key, executor.DefaultReserveThreads, cmdUtil.WrapString("Number of worker threads kept alive even when the server is idle"))

	key = "thread-idle-timeout"
	ServeCmd.PersistentFlags().Int(key, int(executor.DefaultThreadIdleTimeout/time.Millisecond), cmdUtil.WrapString("How long a surplus worker thread may idle before it retires (in milliseconds)"))

	key = "thread-age-limit"
	ServeCmd.PersistentFlags().Int(key, executor.DefaultThreadAgeLimit, cmdUtil.WrapString("How many tasks a worker thread executes before it is recycled in favor of a fresh one"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional address to expose Prometheus metrics on (e.g. 127.0.0.1:9090). Empty disables the endpoint"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts it to the transport configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	port := viper.GetInt("port")
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Port = port
	serveCmdConfig.BindIP = viper.GetString("bind-ip")
	serveCmdConfig.IPv6 = viper.GetBool("ipv6")
	serveCmdConfig.UseUnixSockets = viper.GetBool("unix-socket")
	serveCmdConfig.UnixSocketPath = viper.GetString("unix-socket-path")
	serveCmdConfig.Backlog = viper.GetInt("backlog")
	serveCmdConfig.MaxMessageSizeBytes = viper.GetInt("max-message-size")
	serveCmdConfig.ReserveThreads = viper.GetInt("reserve-threads")
	serveCmdConfig.ThreadIdleTimeoutMillis = viper.GetInt("thread-idle-timeout")
	serveCmdConfig.ThreadAgeLimit = viper.GetInt("thread-age-limit")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// run starts the dWire server and blocks until interrupted
func run(_ *cobra.Command, _ []string) error {
	// apply the log level to all packages
	common.InitLoggers(*serveCmdConfig)

	fmt.Println("Starting dWire server with config:")
	fmt.Println(serveCmdConfig.String())

	tl, err := transport.NewTransportLayer(*serveCmdConfig, newEchoService())
	if err != nil {
		return err
	}
	if err := tl.Start(); err != nil {
		return err
	}

	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		go serveMetrics(addr)
	}

	// block until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	tl.Shutdown()

	stats := tl.Stats()
	fmt.Printf("\nserved %d session(s), sourced %d and sunk %d message(s)\n",
		stats.SessionsCreated, stats.MessagesSourced, stats.MessagesSunk)
	return nil
}

// serveMetrics exposes the process metrics in Prometheus text format
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		echoLogger.Errorf("metrics endpoint on %s failed: %v", addr, err)
	}
}

// initConfig reads in the ENV variables if set
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dwire")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
