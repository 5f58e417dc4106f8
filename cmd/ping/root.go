package ping

import (
	"fmt"
	"time"

	cmdUtil "github.com/ValentinKolb/dWire/cmd/util"
	"github.com/ValentinKolb/dWire/transport"
	"github.com/ValentinKolb/dWire/transport/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	PingCmd = &cobra.Command{
		Use:     "ping",
		Short:   "Measure round trip latency to a dWire server",
		Long:    `Send ping messages to a running dWire server and report round trip latency statistics. The server address can be a host:port pair or the path of a unix domain socket.`,
		PreRunE: processPingConfig,
		RunE:    runPing,
	}
	pingCount    = 10
	pingPayload  = 64
	pingInterval = 100
)

func init() {
	// Initialize viper
	cobra.OnInitialize(cmdUtil.InitClientConfig)

	// Add common client flags to the ping command
	cmdUtil.SetupClientFlags(PingCmd)

	// add flags
	key := "count"
	PingCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Number of pings to send"))

	key = "payload"
	PingCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Ping payload size in bytes"))

	key = "interval"
	PingCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Pause between pings in milliseconds"))
}

func processPingConfig(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	pingCount = viper.GetInt("count")
	pingPayload = viper.GetInt("payload")
	pingInterval = viper.GetInt("interval")

	if pingCount <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if pingPayload < 0 || pingPayload > common.DefaultMaxMessageSize-common.HeaderLen {
		return fmt.Errorf("invalid payload size %d", pingPayload)
	}
	return nil
}

// runPing sends pings over one egress session and prints the statistics
func runPing(_ *cobra.Command, _ []string) error {
	conf := cmdUtil.GetClientConfig()
	common.InitLoggers(common.TransportConfig{LogLevel: viper.GetString("log-level")})

	// egress-only layer on an ephemeral port, no service entry point
	tl, err := transport.NewTransportLayer(common.TransportConfig{Port: 0}, nil)
	if err != nil {
		return fmt.Errorf("failed to create transport layer: %v", err)
	}
	if err := tl.Start(); err != nil {
		return err
	}
	defer tl.Shutdown()

	timeout := time.Duration(conf.TimeoutSecond) * time.Second
	sess, err := tl.Connect(conf.Endpoint, timeout)
	if err != nil {
		return err
	}

	fmt.Printf("PING %s with %d byte payload\n", conf.Endpoint, pingPayload)

	timer := metrics.NewTimer()
	payload := make([]byte, pingPayload)
	for i := range payload {
		payload[i] = byte(i)
	}

	received := 0
	for i := 0; i < pingCount; i++ {
		req := common.NewPing(payload)
		deadline := time.Now().Add(timeout)

		var resp common.Message
		start := time.Now()
		if err := tl.Wait(tl.SinkMessage(sess, req, deadline)); err != nil {
			return fmt.Errorf("failed to send ping %d: %v", i, err)
		}
		if err := tl.Wait(tl.SourceMessage(sess, &resp, deadline)); err != nil {
			return fmt.Errorf("failed to receive pong %d: %v", i, err)
		}
		rtt := time.Since(start)

		if resp.OpCode() != common.OpPong || resp.ResponseTo() != req.RequestID() {
			return fmt.Errorf("unexpected response to ping %d: %v", i, &resp)
		}

		timer.Update(rtt)
		received++
		fmt.Printf("pong from %s: seq=%d time=%v\n", sess.Remote(), i, rtt.Round(time.Microsecond))

		if i < pingCount-1 {
			time.Sleep(time.Duration(pingInterval) * time.Millisecond)
		}
	}

	// Print summary statistics
	ps := timer.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("\n%d pings sent, %d pongs received\n", pingCount, received)
	fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
		time.Duration(timer.Min()).Round(time.Microsecond),
		time.Duration(int64(timer.Mean())).Round(time.Microsecond),
		time.Duration(timer.Max()).Round(time.Microsecond))
	fmt.Printf("rtt p50/p99 = %v/%v\n",
		time.Duration(int64(ps[0])).Round(time.Microsecond),
		time.Duration(int64(ps[1])).Round(time.Microsecond))
	return nil
}
