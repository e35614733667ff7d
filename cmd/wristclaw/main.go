package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wristclaw/wristclaw/internal/config"
	"github.com/wristclaw/wristclaw/internal/version"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "wristclaw",
		Short:         "Inbound gateway bridging a conversational-AI host to a chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start every configured account monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
