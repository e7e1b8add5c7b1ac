package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var healthAddr string

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running dbipupdater",
	Long:  `Query the gRPC health service of a running "dbipupdater serve".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := checkHealth(ctx, healthAddr)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputFormat == "json" {
			return printOutput(os.Stdout, resp)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			fmt.Printf("✗ Service is unhealthy: %s\n", resp.GetStatus())
			return fmt.Errorf("status %s", resp.GetStatus())
		}
		fmt.Println("✓ Service is healthy")
		return nil
	},
}

func checkHealth(ctx context.Context, addr string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:50051", "gRPC address of the running service")
	rootCmd.AddCommand(healthCmd)
}
