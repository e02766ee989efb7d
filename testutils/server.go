package testutils

import (
	"log"
	"net"
	"testing"

	"github.com/distcodep7/ramutex/controller"
	pb "github.com/distcodep7/ramutex/proto"

	"google.golang.org/grpc"
)

// StartTestServer serves a controller on a free localhost port until the
// test ends.
func StartTestServer(t *testing.T, props controller.ControllerProps) (*controller.Server, net.Listener) {
	t.Helper()

	if props.Logger == nil {
		props.Logger = &controller.NoOpLogger{}
	}
	ctrl := controller.NewServer(props)
	grpcServer := grpc.NewServer()
	pb.RegisterNetworkControllerServer(grpcServer, ctrl)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Printf("gRPC server failed: %v", err)
		}
	}()
	t.Cleanup(grpcServer.Stop)

	return ctrl, lis
}
