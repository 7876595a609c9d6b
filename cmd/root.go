package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metricspipe/internal"
)

var (
	cfgFilePath string
	logDir      string
)

var rootCmd = &cobra.Command{
	Use:   "metricspipe",
	Short: "metricspipe ships snapshots of an in-process metrics registry to a metrics backend",
	Run: func(cmd *cobra.Command, args []string) {
		instance, err := internal.NewMetricspipeInstance(cfgFilePath, logDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start metricspipe: %v\n", err)
			os.Exit(1)
		}

		if err := instance.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "metricspipe exited with an error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFilePath, "config", "c", "", "path to the metricspipe config file")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for metricspipe log files (logging disabled when empty)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
