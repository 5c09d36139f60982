package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog/log"

	"github.com/kevdoran/nifi-android-s2s/callback"
	"github.com/kevdoran/nifi-android-s2s/config"
	"github.com/kevdoran/nifi-android-s2s/drain"
	"github.com/kevdoran/nifi-android-s2s/queue"
	"github.com/kevdoran/nifi-android-s2s/transaction"
	"github.com/kevdoran/nifi-android-s2s/transport"
)

type drainArgs struct {
	clusterURLs string
	portID      string
	queuePath   string
	batchCount  int
	batchSize   string
	maxAge      time.Duration
	maxTxnTime  time.Duration
	timeout     time.Duration
	compress    bool
}

func newDrainCmd() *ffcli.Command {
	args := &drainArgs{}
	fs := flag.NewFlagSet("s2sctl drain", flag.ExitOnError)
	fs.StringVar(&args.clusterURLs, "cluster", "", "comma-separated seed URLs for the remote cluster")
	fs.StringVar(&args.portID, "port", "", "input port identifier")
	fs.StringVar(&args.queuePath, "queue", "./s2s-queue", "path to the durable queue's badger directory")
	fs.IntVar(&args.batchCount, "batch-count", 100, "preferred packets per transaction")
	fs.StringVar(&args.batchSize, "batch-size", "1MB", "preferred bytes per transaction")
	fs.DurationVar(&args.maxAge, "max-age", 24*time.Hour, "evict rows older than this on cleanup")
	fs.DurationVar(&args.maxTxnTime, "max-transaction-time", 5*time.Minute, "deadline for one drain invocation")
	fs.DurationVar(&args.timeout, "timeout", 30*time.Second, "per-request HTTP timeout")
	fs.BoolVar(&args.compress, "compress", false, "use deflate compression on flow-files uploads")

	return &ffcli.Command{
		Name:       "drain",
		ShortUsage: "s2sctl drain [flags]",
		ShortHelp:  "Run one drain of the durable queue against the configured cluster",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("S2SCTL")},
		Exec: func(ctx context.Context, _ []string) error {
			return runDrain(ctx, args)
		},
	}
}

func runDrain(ctx context.Context, args *drainArgs) error {
	if args.clusterURLs == "" || args.portID == "" {
		return errors.New("s2sctl drain: -cluster and -port are required")
	}
	batchSize, err := config.ParseSize(args.batchSize)
	if err != nil {
		return err
	}

	cluster := transport.ClusterConfig{URLs: strings.Split(args.clusterURLs, ",")}
	mgr, err := transport.NewManager(ctx, cluster, args.timeout, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("s2sctl drain: connect: %w", err)
	}

	engine := transaction.NewEngine(mgr, transaction.Config{
		PortIdentifier: args.portID,
		UseCompression: args.compress,
		BatchCount:     args.batchCount,
		BatchSize:      batchSize,
	})

	q, err := queue.Open(args.queuePath)
	if err != nil {
		return fmt.Errorf("s2sctl drain: open queue: %w", err)
	}
	defer q.Close()

	if err := q.Cleanup(0, 0, args.maxAge); err != nil {
		return fmt.Errorf("s2sctl drain: cleanup: %w", err)
	}

	var drainErr error
	sink := callback.Func{
		Queued: func(err error) { drainErr = err },
	}
	worker := drain.NewWorker(engine, sink)

	cfg := config.QueuedClientConfig{
		ClientConfig: config.ClientConfig{
			PortIdentifier:      args.portID,
			PreferredBatchCount: args.batchCount,
			PreferredBatchSize:  batchSize,
			Timeout:             args.timeout,
		},
		MaxAge:             args.maxAge,
		MaxTransactionTime: args.maxTxnTime,
	}

	worker.Drain(ctx, q, cfg)
	if drainErr != nil {
		log.Error().Err(drainErr).Msg("drain failed")
		return drainErr
	}
	log.Info().Msg("drain complete")
	return nil
}
