package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/kunal/caffe-serving/pkg/config"
	"github.com/kunal/caffe-serving/pkg/logging"
	"github.com/kunal/caffe-serving/pkg/nvml"
	"github.com/kunal/caffe-serving/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "worker serves a Caffe network over gRPC with adaptive micro-batching",
		Long: `Loads a network topology and its trained weights, then answers Infer
calls. Settings come from the environment and can be overridden by flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	bindFlags(rootCmd.Flags(), cfg)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindFlags lets flags override the environment configuration.
func bindFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.StringVar(&cfg.WorkerID, "id", cfg.WorkerID, "Worker id reported in responses")
	flags.IntVar(&cfg.WorkerPort, "port", cfg.WorkerPort, "gRPC port")
	flags.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "HTTP port for /metrics, /health and /events")
	flags.StringVarP(&cfg.ModelPath, "model", "m", cfg.ModelPath, "Network topology (.yaml, .json or binary NetParameter)")
	flags.StringVarP(&cfg.WeightsPath, "weights", "w", cfg.WeightsPath, "Trained weights (.caffemodel)")
	flags.BoolVar(&cfg.WatchWeights, "watch-weights", cfg.WatchWeights, "Reload weights when the file changes")
	flags.IntVar(&cfg.MaxBatchSize, "max-batch", cfg.MaxBatchSize, "Maximum samples per forward pass")
	flags.DurationVar(&cfg.MaxWaitTime, "max-wait", cfg.MaxWaitTime, "Longest time a request waits for a batch")
	flags.StringVar(&cfg.UseNVML, "nvml", cfg.UseNVML, "GPU detection: auto, true or false")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flags.BoolVar(&cfg.LogDevelopment, "log-development", cfg.LogDevelopment, "Human-readable logs")
}

func run(cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Infow("Worker starting",
		"id", cfg.WorkerID, "port", cfg.WorkerPort, "metricsPort", cfg.MetricsPort,
		"model", cfg.ModelPath, "weights", cfg.WeightsPath,
		"maxBatch", cfg.MaxBatchSize, "maxWait", cfg.MaxWaitTime, "nvml", cfg.UseNVML)

	gpu, err := probeGPU(cfg.UseNVML, log)
	if err != nil {
		return err
	}
	if gpu != nil {
		defer gpu.Shutdown()
	}

	var probe worker.GPUProbe
	if gpu != nil {
		probe = gpu
	}
	w, err := worker.New(cfg, probe, log)
	if err != nil {
		return errors.Wrap(err, "creating worker")
	}
	w.StartBatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.WatchWeights {
		watcher, err := worker.NewWeightsWatcher(cfg.WeightsPath, w.Reload, log.Named("watcher"))
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
		log.Infow("Watching weights", "path", cfg.WeightsPath)
	}

	grpcServer := grpc.NewServer()
	w.RegisterGRPC(grpcServer)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerPort))
	if err != nil {
		return errors.Wrapf(err, "listening on port %d", cfg.WorkerPort)
	}

	mux := http.NewServeMux()
	w.RegisterHTTP(mux)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		log.Infow("Metrics endpoint listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "metrics server")
		}
	}()
	go func() {
		log.Infow("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- errors.Wrap(err, "gRPC server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Infow("Shutting down worker", "signal", sig.String())
	case err = <-errCh:
		log.Errorw("Server failed", "error", err)
	}

	grpcServer.GracefulStop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	httpServer.Shutdown(shutdownCtx)
	w.Stop()
	log.Info("Worker stopped")
	return err
}

// probeGPU loads NVML according to mode. "auto" tolerates a missing library,
// "true" requires it.
func probeGPU(mode string, log *zap.SugaredLogger) (*nvml.NVML, error) {
	if mode == "false" {
		return nil, nil
	}
	gpu, err := nvml.New(log.Named("nvml"))
	if err != nil {
		if mode == "true" {
			return nil, errors.Wrap(err, "NVML required")
		}
		log.Infow("Running without GPU telemetry", "reason", err)
		return nil, nil
	}
	return gpu, nil
}
