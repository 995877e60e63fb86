package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"federate/pkg/channel"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func brokerCmd() *cobra.Command {
	var (
		listen   string
		timeImpl string
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a single-process development broker",
		Long: `Serve the federate channel over gRPC with a development broker that
confirms joins, grants every advance at the requested time and completes
save and restore rounds as soon as each federate reports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			broker := channel.NewDevBroker(logger)
			if timeImpl != "" {
				broker.TimeImplementation = timeImpl
			}

			srv := grpc.NewServer()
			channel.RegisterBroker(srv, broker)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			errChan := make(chan error, 1)
			go func() {
				logger.Info("Broker listening", zap.String("address", lis.Addr().String()))
				errChan <- srv.Serve(lis)
			}()

			select {
			case <-sigChan:
				logger.Info("Shutting down broker")
				srv.GracefulStop()
				return nil
			case err := <-errChan:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":8600", "address to listen on")
	cmd.Flags().StringVar(&timeImpl, "time-implementation", "", "time implementation reported when a federate asks for none")

	return cmd
}
