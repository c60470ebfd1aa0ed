// Command docflow uploads documents to the processing service and follows the job progress.
//
// Usage:
//
//	docflow submit [flags] <path|pattern|url>...
//	docflow follow -job <id> [-from <cursor>]
//	docflow stop -job <id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/structllm/go-docflow/envconf"
	"github.com/structllm/go-docflow/transfer"
	"github.com/structllm/go-docflow/transfer/chunkuploader"
	"github.com/structllm/go-docflow/transfer/network"
	"github.com/structllm/go-docflow/transfer/stream"
)

const (
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewLogger()
	if err := run(ctx, os.Args[1:], env.NewRepository(), logger, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Errorf("%s", err)
		if ctx.Err() != nil {
			os.Exit(exitInterrupted)
		}
		os.Exit(exitFailure)
	}
}

func run(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger, usageOutput io.Writer) error {
	if len(args) == 0 {
		printUsage(usageOutput)
		return fmt.Errorf("missing command")
	}

	switch args[0] {
	case "submit":
		return runSubmit(ctx, args[1:], envRepo, logger, usageOutput)
	case "follow":
		return runFollow(ctx, args[1:], envRepo, logger, usageOutput)
	case "stop":
		return runStop(ctx, args[1:], envRepo, logger, usageOutput)
	case "-h", "-help", "--help", "help":
		printUsage(usageOutput)
		return flag.ErrHelp
	default:
		printUsage(usageOutput)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  docflow submit [flags] <path|pattern|url>...")
	fmt.Fprintln(w, "  docflow follow -job <id> [-from <cursor>]")
	fmt.Fprintln(w, "  docflow stop -job <id>")
}

type commonFlags struct {
	verbose bool
	jobID   string
}

func newFlagSet(name string, output io.Writer, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.BoolVar(&common.verbose, "verbose", false, "enable debug logs")
	fs.StringVar(&common.jobID, "job", "", "job (chat) ID")
	return fs
}

func loadConfig(envRepo env.Repository, logger log.Logger, common commonFlags) (envconf.Config, error) {
	logger.EnableDebugLog(common.verbose)

	cfg, err := envconf.Load(envRepo)
	if err != nil {
		return envconf.Config{}, err
	}
	cfg.Print(logger)

	return cfg, nil
}

func runSubmit(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger, output io.Writer) error {
	var (
		common    commonFlags
		follow    bool
		from      string
		parallel  int
		resubmit  int
		autoChunk bool
	)
	fs := newFlagSet("submit", output, &common)
	fs.BoolVar(&follow, "follow", true, "follow the job stream after the upload")
	fs.StringVar(&from, "from", "", "stream cursor to resume from")
	fs.IntVar(&parallel, "parallel", 1, "number of files uploaded at the same time")
	fs.IntVar(&resubmit, "resubmit", 1, "passes over chunks that still failed transiently")
	fs.BoolVar(&autoChunk, "auto-chunk", false, "size chunks per file from the upload concurrency")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("no input paths given")
	}

	cfg, err := loadConfig(envRepo, logger, common)
	if err != nil {
		return err
	}

	consumer, closeSource, err := newConsumer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	pathProvider := pathutil.NewPathProvider()
	pathModifier := pathutil.NewPathModifier()
	submitter, err := transfer.NewSubmitter(transfer.SubmitterParams{
		Transports:      transportFactory(cfg, logger),
		Uploader:        cfg.UploaderConfig(),
		ChunkSize:       cfg.ChunkSize,
		AutoChunkSize:   autoChunk,
		FileParallelism: parallel,
		ResubmitPasses:  resubmit,
		Files:           envconf.NewFileProvider(envconf.NewDownloader(logger), pathProvider, pathModifier),
		Consumer:        consumer,
	}, pathutil.NewPathChecker(), pathModifier, logger)
	if err != nil {
		return err
	}

	result, err := submitter.Submit(ctx, transfer.SubmitInput{
		JobID:      common.jobID,
		Paths:      fs.Args(),
		Follow:     follow,
		FromCursor: from,
	})
	if result.Reason == stream.ReasonUnsubscribed && result.Cursor.LastID != "" {
		logger.Printf("Resume with: docflow follow -job %s -from %s", result.JobID, result.Cursor.LastID)
	}
	return err
}

func runFollow(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger, output io.Writer) error {
	var (
		common commonFlags
		from   string
	)
	fs := newFlagSet("follow", output, &common)
	fs.StringVar(&from, "from", "", "stream cursor to resume from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.jobID == "" {
		return fmt.Errorf("-job is required")
	}

	cfg, err := loadConfig(envRepo, logger, common)
	if err != nil {
		return err
	}

	consumer, closeSource, err := newConsumer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	sub := consumer.Subscribe(ctx, common.jobID, func(e stream.Event) {
		logger.Printf("[%s] %s", e.ID, e.Data)
	}, from)
	<-sub.Done()

	if sub.Reason() != stream.ReasonTerminal {
		logger.Printf("Resume with: docflow follow -job %s -from %s", common.jobID, sub.Cursor().LastID)
		return ctx.Err()
	}
	logger.Donef("Job %s finished", common.jobID)
	return nil
}

func runStop(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger, output io.Writer) error {
	var common commonFlags
	fs := newFlagSet("stop", output, &common)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.jobID == "" {
		return fmt.Errorf("-job is required")
	}

	cfg, err := loadConfig(envRepo, logger, common)
	if err != nil {
		return err
	}

	client := network.NewClient(cfg.APIBaseURL, string(cfg.APIToken), logger)
	if err := client.StopJob(ctx, common.jobID); err != nil {
		return err
	}
	logger.Donef("Job %s stopped", common.jobID)
	return nil
}

func transportFactory(cfg envconf.Config, logger log.Logger) transfer.TransportFactory {
	return func(ctx context.Context, jobID string) (chunkuploader.ChunkTransport, error) {
		if cfg.S3.Enabled() {
			return network.NewS3Transport(ctx, network.S3TransportParams{
				Region:          cfg.S3.Region,
				Bucket:          cfg.S3.Bucket,
				AccessKeyID:     cfg.S3.AccessKeyID,
				SecretAccessKey: string(cfg.S3.SecretAccessKey),
				KeyPrefix:       jobID,
			}, logger)
		}

		return network.NewHTTPTransport(network.HTTPTransportParams{
			APIBaseURL: cfg.APIBaseURL,
			Token:      string(cfg.APIToken),
			JobID:      jobID,
		}, logger)
	}
}

// newConsumer returns the stream consumer and a func releasing its source.
func newConsumer(cfg envconf.Config, logger log.Logger) (*stream.Consumer, func(), error) {
	var source stream.Source
	closeSource := func() {}
	switch cfg.StreamSource {
	case envconf.StreamSourceRedis:
		client, err := stream.NewRedisClient(string(cfg.RedisURL))
		if err != nil {
			return nil, nil, err
		}
		closeSource = func() {
			if err := client.Close(); err != nil {
				logger.Warnf("Failed to close Redis client: %s", err)
			}
		}
		source = stream.NewRedisSource(client, logger)
	default:
		source = stream.NewSSESource(cfg.APIBaseURL, string(cfg.APIToken), logger)
	}

	return stream.NewConsumer(source, cfg.ReconnectPolicy(), logger), closeSource, nil
}
