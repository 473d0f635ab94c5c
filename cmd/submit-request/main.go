package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/provenet/provenet/internal/fingerprint"
	"github.com/provenet/provenet/internal/proof"
	"github.com/provenet/provenet/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("submit-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	programPath := fs.String("program", "", "path to the compiled program artifact (required)")
	inputPath := fs.String("input", "", "path to the execution input (required)")
	mode := fs.String("mode", "network", "proving mode: local|network")
	deadlineIn := fs.Duration("deadline-in", 0, "absolute request deadline, relative to now (0 = none)")

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", "proof.requests.v1", "proof request topic")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*programPath) == "" || strings.TrimSpace(*inputPath) == "" {
		return errors.New("--program and --input are required")
	}
	parsedMode, err := proof.ParseMode(*mode)
	if err != nil {
		return err
	}
	if *deadlineIn < 0 {
		return errors.New("--deadline-in must be >= 0")
	}

	program, err := os.ReadFile(*programPath)
	if err != nil {
		return fmt.Errorf("read program %q: %w", *programPath, err)
	}
	input, err := os.ReadFile(*inputPath)
	if err != nil {
		return fmt.Errorf("read input %q: %w", *inputPath, err)
	}

	msg := proof.RequestMessage{Program: program, Input: input, Mode: parsedMode}
	if *deadlineIn > 0 {
		msg.Deadline = time.Now().UTC().Add(*deadlineIn)
	}
	payload, err := proof.EncodeRequestMessage(msg)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	fp := fingerprint.RequestV1(
		fingerprint.ProgramIDV1(program),
		fingerprint.InputIDV1(input),
	)
	if err := producer.Publish(context.Background(), *topic, fp.Bytes(), payload); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, fp.Hex())
	return nil
}
