// Copyright (c) OpenMMLab. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memtrace/pkg/status"
	"memtrace/pkg/version"
	"memtrace/pkg/writer"
)

func readConfig(configPath string) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("memtracectl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Note: no configuration file found, using flags/defaults")
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var daemonAddr string

	root := &cobra.Command{
		Use:   "memtracectl",
		Short: "Command-line client for memtraced",
		Long: `memtracectl queries a running memtraced daemon's status surface.

Example:
  memtracectl status --addr http://localhost:9402`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			readConfig(configPath)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file")
	root.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:9402", "memtraced status HTTP address")

	root.AddCommand(newStatusCommand(&daemonAddr), newVersionCommand(), newDumpCommand())
	return root
}

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <output-file>",
		Short: "Summarise a memtraced binary output file's record kinds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := writer.ReadRecords(args[0])
			if err != nil {
				return err
			}
			counts := make(map[writer.RecordKind]int)
			for _, r := range records {
				counts[r.Kind]++
			}
			fmt.Printf("%d records total\n", len(records))
			for kind, n := range counts {
				fmt.Printf("  kind %d: %d\n", kind, n)
			}
			return nil
		},
	}
}

func newStatusCommand(daemonAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's current tracking status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(*daemonAddr + "/stats")
			if err != nil {
				return fmt.Errorf("memtracectl: query %s: %w", *daemonAddr, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("memtracectl: read response: %w", err)
			}

			var stats status.StatsResponse
			if err := json.Unmarshal(body, &stats); err != nil {
				return fmt.Errorf("memtracectl: parse response: %w", err)
			}

			fmt.Printf("daemon version: %s-%s\n", stats.Version.Version, stats.Version.BuildTag)
			fmt.Printf("tracker active: %v\n", stats.Active)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print memtracectl's own version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(version.String("memtracectl"))
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
