// Command parser consumes the sudo output published by the collector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pershinghar/go-sudo-collection/pkg/config"
	"github.com/pershinghar/go-sudo-collection/pkg/models"
	"github.com/pershinghar/go-sudo-collection/pkg/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:          "parser",
		Short:        "Consume collected sudo output from RabbitMQ",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return run(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config/rabbitmq.json", "RabbitMQ config file (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, configPath string) error {
	log := logrus.WithField("component", "parser")
	log.Info("starting parser service")

	rabbitMQConfig, err := config.LoadRabbitMQ(configPath)
	if err != nil {
		return fmt.Errorf("error loading RabbitMQ config: %w", err)
	}

	client := util.NewRabbitMQClient(rabbitMQConfig)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	queueName, err := client.CreateQueue(ctx)
	if err != nil {
		return err
	}

	if err := client.Consume(ctx, queueName, processRawData); err != nil {
		return err
	}

	log.Info("parser service running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutting down")

	// Give in-flight handlers a moment to settle
	time.Sleep(1 * time.Second)
	log.Info("parser service stopped")
	return nil
}

func processRawData(data *models.RawData) error {
	log := logrus.WithFields(logrus.Fields{
		"collection_id": data.CollectionID,
		"source_id":     data.SourceID,
		"chunk_id":      data.ChunkID,
		"timestamp":     data.Timestamp.Format(time.RFC3339),
	})

	if data.Payload == nil {
		log.Info("received result without payload")
		return nil
	}

	lines := strings.Split(strings.TrimRight(*data.Payload, "\n"), "\n")
	log.WithField("bytes", len(*data.Payload)).Infof("received %d lines", len(lines))
	for i, line := range lines {
		log.Debugf("[%d] %s", i+1, line)
	}

	if data.Stderr != nil && *data.Stderr != "" {
		log.WithField("stderr", *data.Stderr).Warn("command wrote to stderr")
	}

	return nil
}
