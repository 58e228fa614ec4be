package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paged-kv/inference-core/internal/block"
	"github.com/paged-kv/inference-core/internal/config"
	"github.com/paged-kv/inference-core/internal/engine"
	"github.com/paged-kv/inference-core/internal/executor"
	"github.com/paged-kv/inference-core/internal/inputsmaker"
	"github.com/paged-kv/inference-core/internal/scheduler"
	"github.com/paged-kv/inference-core/internal/session"
)

var (
	configPath   string
	numGPUBlocks int
	blockSize    int
	maxBatches   int64
	roleFlag     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine loop against a config file (and a fake executor, since the real model runtime is out of this core's scope)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if numGPUBlocks > 0 {
			cfg.NumGPUBlocks = numGPUBlocks
		}
		if blockSize > 0 {
			cfg.BlockSize = blockSize
		}
		if maxBatches > 0 {
			cfg.MaxBatches = maxBatches
		}
		if roleFlag != "" {
			cfg.Role = config.Role(roleFlag)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logrus.Infof("starting engine: role=%s gpu_blocks=%d block_size=%d max_batches=%d",
			cfg.Role, cfg.NumGPUBlocks, cfg.BlockSize, cfg.MaxBatches)

		blocks := block.NewManager(cfg.BlockManagerConfig())
		sched := scheduler.New(cfg.SchedulerConfig(), blocks)
		maker := inputsmaker.New(inputsmaker.Config{
			MaxPrefillTokenNum: cfg.MaxPrefillTokenNum,
			PrefillInterval:    cfg.PrefillInterval,
		})
		sessions := session.NewTable()
		reqMgr := engine.NewRequestManager(cfg.MailboxCapacity)

		// The real numerical executor is out of this core's scope (spec
		// §1); serve runs against a fake that never produces output, solely
		// to demonstrate the wiring. A real deployment substitutes its own
		// executor.Executor implementation here.
		exec := executor.NewFake(nil)

		loop := engine.New(engine.Config{
			Prealloc:        cfg.Prealloc,
			MailboxCapacity: cfg.MailboxCapacity,
		}, sessions, sched, blocks, maker, exec, reqMgr, nil)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logrus.Info("engine stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	serveCmd.Flags().IntVar(&numGPUBlocks, "num-gpu-blocks", 0, "override num_gpu_blocks")
	serveCmd.Flags().IntVar(&blockSize, "block-size", 0, "override block_size")
	serveCmd.Flags().Int64Var(&maxBatches, "max-batches", 0, "override max_batches")
	serveCmd.Flags().StringVar(&roleFlag, "role", "", "override role (hybrid, prefill, decode)")
}
