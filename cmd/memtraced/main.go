// Copyright (c) OpenMMLab. All rights reserved.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memtrace/logger"
	"memtrace/pkg/metrics"
	"memtrace/pkg/replay"
	"memtrace/pkg/status"
	"memtrace/pkg/tracker"
	"memtrace/pkg/version"
	"memtrace/pkg/writer"
)

// the calling thread id a process-level daemon uses for its own
// tracker lifecycle: there is no real interpreter thread here, so this
// is simply a fixed, reserved id distinct from any replay scenario tid.
const daemonTID = 0

func readConfig(configPath string) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("memtraced")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Note: no configuration file found, using flags/defaults")
	}
}

func main() {
	var (
		configPath     string
		outputPath     string
		listenAddr     string
		nativeTraces   bool
		memoryInterval time.Duration
		followFork     bool
		pushGatewayURL string
		jobName        string
		pushInterval   time.Duration
		scenarioPath   string
	)

	root := &cobra.Command{
		Use:   "memtraced",
		Short: "Allocation-tracking daemon",
		Long: `memtraced runs the allocation-tracking core as a standalone daemon,
streaming records to a binary output file and serving a JSON status
surface over HTTP.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			readConfig(configPath)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the tracker and serve status over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(outputPath, listenAddr, tracker.Config{
				NativeTraces:     nativeTraces,
				MemoryIntervalMs: uint32(memoryInterval.Milliseconds()),
				FollowFork:       followFork,
			}, pushGatewayURL, jobName, pushInterval, scenarioPath)
		},
	}
	run.Flags().StringVar(&outputPath, "output", "memtrace.out", "binary output file path")
	run.Flags().StringVar(&listenAddr, "listen", ":9402", "status HTTP listen address")
	run.Flags().BoolVar(&nativeTraces, "native-traces", false, "capture native stack traces on allocation")
	run.Flags().DurationVar(&memoryInterval, "memory-interval", 10*time.Second, "RSS sampling interval (0 disables)")
	run.Flags().BoolVar(&followFork, "follow-fork", false, "keep tracking across fork() in the child")
	run.Flags().StringVar(&pushGatewayURL, "push-gateway", "", "Prometheus pushgateway URL")
	run.Flags().StringVar(&jobName, "job-name", "memtraced", "pushgateway job name")
	run.Flags().DurationVar(&pushInterval, "push-interval", 15*time.Second, "pushgateway push interval")
	run.Flags().StringVar(&scenarioPath, "replay", "", "run a YAML replay scenario instead of waiting for real events")

	root.AddCommand(run, versionCmd())

	if err := root.Execute(); err != nil {
		logger.Logger.Error("memtraced exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(version.String("memtraced"))
		},
	}
}

func runDaemon(outputPath, listenAddr string, cfg tracker.Config, pushGatewayURL, jobName string, pushInterval time.Duration, scenarioPath string) error {
	w, err := writer.Open(outputPath)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	tr, err := tracker.CreateTracker(w, cfg, daemonTID, nil)
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	pushStop := make(chan struct{})
	group.Go(func() error {
		metrics.PushLoop(pushGatewayURL, jobName, pushInterval, pushStop)
		return nil
	})

	router := mux.NewRouter()
	status.NewHandler("memtraced").RegisterRoutes(router)
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		logger.Logger.Info("status server listening", zap.String("addr", listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if scenarioPath != "" {
		group.Go(func() error {
			s, err := replay.Load(scenarioPath)
			if err != nil {
				return err
			}
			logger.Logger.Info("running replay scenario", zap.String("path", scenarioPath))
			return replay.Run(tr, s)
		})
	}

	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, syscall.SIGINT, syscall.SIGTERM)
	group.Go(func() error {
		select {
		case sig := <-stopSig:
			logger.Logger.Info("received signal, shutting down", zap.Any("signal", sig))
		case <-ctx.Done():
		}
		close(pushStop)
		_ = httpServer.Shutdown(context.Background())
		return tracker.DestroyTracker(tr, daemonTID)
	})

	return group.Wait()
}
