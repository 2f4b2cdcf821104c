package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/server"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address, overrides server_addr")
	cmd.Flags().Int("workers", 0, "Concurrent pipelines, overrides workers")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	conf := common.GetConfig()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		conf.ServerAddr = addr
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		conf.Workers = workers
	}

	srv, err := server.New(conf)
	if err != nil {
		return err
	}
	defer common.GetLogger().Sync()

	// 等待中断信号优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
