package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/subbridge/internal/fetch"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "仅抓取并校验订阅，输出到 stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		doc, err := fetch.New(fetch.Options{
			MaxBytes: cfg.Fetch.MaxBytes,
			Logger:   logger,
		}).Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), doc.Body)
		return err
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
