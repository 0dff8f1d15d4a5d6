package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/broker"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/config"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore/memstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore/raftstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/httpapi"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

var (
	logger = logging.New()

	cli = &cobra.Command{
		Use:   "yak",
		Short: "Yet Another Kafka: a small append-only log service",
	}

	brokerCfg = config.DefaultBrokerConfig()

	coordCfg = struct {
		RaftAddr  string
		Bootstrap bool
	}{}

	produceCfg = struct {
		BrokerAddr string
		Topic      string
		Message    string
	}{}

	consumeCfg = struct {
		BrokerAddr string
		Topic      string
		Offset     uint64
	}{}

	topicCfg = struct {
		BrokerAddr string
		Topic      string
	}{}
)

func init() {
	brokerCmd := &cobra.Command{Use: "broker", Short: "Run a YAK broker", RunE: runBroker}
	brokerCmd.Flags().Int32Var(&brokerCfg.ID, "id", 0, "Broker ID, unique per cluster")
	brokerCmd.Flags().StringVar(&brokerCfg.DataDir, "data-dir", brokerCfg.DataDir, "Directory under which to store topic logs")
	brokerCmd.Flags().StringVar(&brokerCfg.HTTPAddr, "http-addr", brokerCfg.HTTPAddr, "Address for the HTTP API to bind on")
	brokerCmd.Flags().StringVar(&brokerCfg.AdvertiseHost, "advertise-host", brokerCfg.AdvertiseHost, "Host other brokers and clients dial to reach this broker")
	brokerCmd.Flags().IntVar(&brokerCfg.AdvertisePort, "advertise-port", brokerCfg.AdvertisePort, "Port other brokers and clients dial to reach this broker")
	brokerCmd.Flags().StringVar(&brokerCfg.SerfAddr, "serf-addr", brokerCfg.SerfAddr, "Address for the membership gossip layer to bind on")
	brokerCmd.Flags().StringSliceVar(&brokerCfg.StartJoinAddrs, "join", nil, "Address of a broker's serf agent to join at start time. Can be specified multiple times.")
	brokerCmd.Flags().BoolVar(&coordCfg.Bootstrap, "coord-bootstrap", false, "Run a single-node coordination-store Raft replica on this process")
	brokerCmd.Flags().StringVar(&coordCfg.RaftAddr, "coord-raft-addr", brokerCfg.RaftAddr, "Address for the coordination-store's Raft transport to bind on")

	topicCmd := &cobra.Command{Use: "topic", Short: "Manage topics"}
	createTopicCmd := &cobra.Command{Use: "create", Short: "Register a topic", RunE: createTopic}
	createTopicCmd.Flags().StringVar(&topicCfg.BrokerAddr, "broker-addr", "127.0.0.1:9092", "Address of a broker's HTTP API")
	createTopicCmd.Flags().StringVar(&topicCfg.Topic, "topic", "", "Name of topic to create")

	produceCmd := &cobra.Command{Use: "produce", Short: "Append one message to a topic", RunE: produce}
	produceCmd.Flags().StringVar(&produceCfg.BrokerAddr, "broker-addr", "127.0.0.1:9092", "Address of a broker's HTTP API")
	produceCmd.Flags().StringVar(&produceCfg.Topic, "topic", "", "Topic to append to")
	produceCmd.Flags().StringVar(&produceCfg.Message, "message", "", "Message body to append")

	consumeCmd := &cobra.Command{Use: "consume", Short: "Read messages from a topic", RunE: consume}
	consumeCmd.Flags().StringVar(&consumeCfg.BrokerAddr, "broker-addr", "127.0.0.1:9092", "Address of a broker's HTTP API")
	consumeCmd.Flags().StringVar(&consumeCfg.Topic, "topic", "", "Topic to read from")
	consumeCmd.Flags().Uint64Var(&consumeCfg.Offset, "offset", 0, "Offset to start reading from")

	cli.AddCommand(brokerCmd)
	cli.AddCommand(topicCmd)
	cli.AddCommand(produceCmd)
	cli.AddCommand(consumeCmd)
	topicCmd.AddCommand(createTopicCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	l := logger.With(
		logging.Int32("id", brokerCfg.ID),
		logging.String("http addr", brokerCfg.HTTPAddr),
		logging.String("serf addr", brokerCfg.SerfAddr),
	)

	jcfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}
	tracer, closer, err := jcfg.New(
		"yak",
		jaegercfg.Logger(jaegerlog.StdLogger),
		jaegercfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}
	defer closer.Close()

	var coord coordstore.Store
	if coordCfg.Bootstrap {
		rs, err := raftstore.New(raftstore.Config{
			LocalID:   fmt.Sprintf("%d", brokerCfg.ID),
			RaftAddr:  coordCfg.RaftAddr,
			DataDir:   brokerCfg.DataDir + "/coord",
			Bootstrap: true,
		}, l.Named("coordstore"))
		if err != nil {
			return fmt.Errorf("starting coordination store: %w", err)
		}
		coord = rs
	} else {
		coord = memstore.New()
	}

	b, err := broker.New(brokerCfg, coord, tracer, l)
	if err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}

	srv := httpapi.New(b, tracer, l)
	httpServer := &http.Server{Addr: brokerCfg.HTTPAddr, Handler: srv}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
		}
	}()

	gracefully.Timeout = 10 * time.Second
	gracefully.Shutdown()

	_ = httpServer.Close()
	if err := b.Shutdown(); err != nil {
		return fmt.Errorf("shutting down broker: %w", err)
	}
	return nil
}

func createTopic(cmd *cobra.Command, args []string) error {
	return postJSON(topicCfg.BrokerAddr, "/register_topic", map[string]string{"topic": topicCfg.Topic})
}

func produce(cmd *cobra.Command, args []string) error {
	return postJSON(produceCfg.BrokerAddr, "/produce", map[string]string{
		"topic":   produceCfg.Topic,
		"message": produceCfg.Message,
	})
}

func consume(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("http://%s/consume?topic=%s&offset=%d", consumeCfg.BrokerAddr, consumeCfg.Topic, consumeCfg.Offset)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	fmt.Printf("%+v\n", body)
	return nil
}

func postJSON(addr, path string, body map[string]string) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s%s", addr, path), "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	fmt.Printf("ok: %s\n", resp.Status)
	return nil
}

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
