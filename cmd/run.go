package cmd

import (
	"log"

	"github.com/cemal-efe-g/Dozer/dozer"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Dozer bot and (optionally) the status API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := dozer.New(cfg)
			if err != nil {
				log.Fatalf("error creating dozer: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running dozer: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
