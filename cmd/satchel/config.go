package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/offlinefirst/satchel/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Print the effective configuration",
	Long: `Print the merged configuration as YAML.

Values come from defaults, then ` + config.GlobalConfigPath() + `,
then ./.satchel/config.yaml, then SATCHEL_* environment variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
