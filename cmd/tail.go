package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabtext/collabd/internal/mirror"
)

var tailCmd = &cobra.Command{
	Use:   "tail <roomID>",
	Short: "Print a room's deltas as mirrored to redis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		addr := viper.GetString("redis.addr")
		rdb, err := mirror.Connect(ctx, addr)
		if err != nil {
			return err
		}
		defer rdb.Close()

		ui.VerboseLog("subscribed to %s on %s", mirror.Channel(args[0]), addr)
		return mirror.Tail(ctx, rdb, args[0], func(payload string) {
			fmt.Fprintln(ui.Out, payload)
		})
	},
}

func init() {
	rootCmd.AddCommand(tailCmd)
}
