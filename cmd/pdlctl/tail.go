package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"plato/pkg/audit"
	"plato/pkg/eventbus"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type executionSource interface {
	ReadExecution(ctx context.Context) (audit.Record, error)
	Close() error
}

var openExecutionSource = func(cfg eventbus.KafkaConfig) (executionSource, error) {
	c, err := eventbus.NewKafkaConsumer(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newTailCmd(opts *options) *cobra.Command {
	var (
		brokers string
		topic   string
		group   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow execution records exported by the studio service to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openExecutionSource(eventbus.KafkaConfig{
				Brokers: eventbus.SplitBrokers(brokers),
				Topic:   topic,
				GroupID: group,
			})
			if err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
			defer src.Close()
			return tailExecutions(cmd.Context(), src, newRecordWriter(cmd.OutOrStdout(), opts.format), limit)
		},
	}
	cmd.Flags().StringVar(&brokers, "brokers", os.Getenv("KAFKA_BROKERS"), "Comma-separated Kafka brokers")
	cmd.Flags().StringVar(&topic, "topic", eventbus.DefaultTopic, "Execution topic")
	cmd.Flags().StringVar(&group, "group", "pdlctl", "Consumer group id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after n records (0 follows forever)")
	return cmd
}

// tailExecutions copies records from src to write until ctx ends or limit
// records were written.
func tailExecutions(ctx context.Context, src executionSource, write func(audit.Record) error, limit int) error {
	for n := 0; limit <= 0 || n < limit; n++ {
		rec, err := src.ReadExecution(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := write(rec); err != nil {
			return err
		}
	}
	return nil
}

// newRecordWriter streams records as JSON lines, or as a YAML document
// stream.
func newRecordWriter(out io.Writer, format string) func(audit.Record) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		return func(rec audit.Record) error { return enc.Encode(recordView(rec)) }
	}
	enc := json.NewEncoder(out)
	return func(rec audit.Record) error { return enc.Encode(rec) }
}

// recordView gives the YAML encoder the same field names as the JSON form.
func recordView(rec audit.Record) map[string]any {
	raw, err := json.Marshal(rec)
	if err != nil {
		return map[string]any{"executionId": rec.ExecutionID}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"executionId": rec.ExecutionID}
	}
	return m
}
