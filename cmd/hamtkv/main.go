package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/0xRadioAc7iv/go-hamtkv/core"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
)

func main() {
	opts := utils.HandleCLIInputs()

	logger, err := newLogger(opts.Verbose)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	storeOpts := []core.Option{
		core.WithLogger(logger),
		core.WithSegmentSizeLimit(opts.SegmentSize),
		core.WithMaxSegments(opts.MaxSegments),
		core.WithIndexSizeLimit(opts.IndexSize),
	}
	if opts.Truncate {
		storeOpts = append(storeOpts, core.WithTruncateCorruptTail())
	}

	store, err := core.Open(opts.Directory, storeOpts...)
	if err != nil {
		log.Errorf("Error while starting: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Error while closing the store: %v", err)
		}
	}()
	log.Infof("hamtkv started successfully with %d keys in %s", store.Count(), opts.Directory)

	ctx, cancel := context.WithCancel(context.Background())
	srv := core.NewServer(store, logger, core.DefaultSyncInterval)
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, opts.Port, nil)
	}()

	go func() {
		utils.ListenForProcessInterruptOrKill(log)
		cancel()
	}()

	select {
	case <-ctx.Done():
		err = <-done
	case err = <-done:
	}
	if err != nil {
		log.Errorf("Server stopped abruptly: %v", err)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
