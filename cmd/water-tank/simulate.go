package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JoeMarian/water-tank/internal/simulator"
)

type simulateOptions struct {
	channel      string
	apiKey       string
	fields       []string
	transport    string
	target       string
	interval     time.Duration
	count        int
	mqttUsername string
	mqttPassword string
}

func newSimulateCommand(log *logrus.Logger) *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send synthetic readings to a running server",
		Long: `simulate generates randomized tank readings around the stock
baselines and delivers them over HTTP, CoAP, or MQTT until stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(log, opts)
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel to write to (required)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key of the channel")
	cmd.Flags().StringSliceVar(&opts.fields, "fields", nil, "Fields to generate (default: the stock tank profile)")
	cmd.Flags().StringVar(&opts.transport, "transport", "http", "Delivery transport (http, coap, or mqtt)")
	cmd.Flags().StringVar(&opts.target, "target", "", "Server address; defaults per transport")
	cmd.Flags().DurationVar(&opts.interval, "interval", simulator.DefaultInterval, "Delay between batches")
	cmd.Flags().IntVar(&opts.count, "count", 0, "Number of batches to send; 0 runs until interrupted")
	cmd.Flags().StringVar(&opts.mqttUsername, "mqtt-username", "", "MQTT broker username")
	cmd.Flags().StringVar(&opts.mqttPassword, "mqtt-password", "", "MQTT broker password")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runSimulate(log *logrus.Logger, opts simulateOptions) error {
	if (opts.transport == "http" || opts.transport == "coap") && opts.apiKey == "" {
		return fmt.Errorf("--api-key is required for the %s transport", opts.transport)
	}

	var genOpts []simulator.GeneratorOption
	if len(opts.fields) > 0 {
		genOpts = append(genOpts, simulator.WithFields(opts.fields))
	}

	transport, err := buildTransport(opts)
	if err != nil {
		return err
	}
	defer transport.Close()

	sim, err := simulator.New(simulator.NewGenerator(genOpts...), transport, log,
		simulator.WithInterval(opts.interval),
		simulator.WithCount(opts.count))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"channel":   opts.channel,
		"transport": opts.transport,
		"interval":  opts.interval,
	}).Info("Starting simulator")

	return sim.Run(ctx)
}

func buildTransport(opts simulateOptions) (simulator.Transport, error) {
	switch opts.transport {
	case "http":
		target := opts.target
		if target == "" {
			target = "http://localhost:8000"
		}
		return simulator.NewHTTPTransport(target, opts.channel, opts.apiKey), nil
	case "coap":
		target := opts.target
		if target == "" {
			target = "localhost:5684"
		}
		return simulator.NewCoAPTransport(target, opts.channel, opts.apiKey)
	case "mqtt":
		target := opts.target
		if target == "" {
			target = "tcp://localhost:1883"
		}
		var mqttOpts []simulator.MQTTOption
		if opts.mqttUsername != "" {
			mqttOpts = append(mqttOpts, simulator.WithMQTTCredentials(opts.mqttUsername, opts.mqttPassword))
		}
		return simulator.NewMQTTTransport(target, opts.channel, mqttOpts...)
	default:
		return nil, fmt.Errorf("unknown transport %q (expected http, coap, or mqtt)", opts.transport)
	}
}
