// Package grpc exposes the vault services over gRPC: authentication, record
// writes, presigned blob URLs and the per-user change stream.
package grpc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	pb "github.com/dmitrijs2005/gophvault/internal/proto"
	"github.com/dmitrijs2005/gophvault/internal/server/broker"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/dmitrijs2005/gophvault/internal/server/services"
	"google.golang.org/grpc"
)

type userSvc interface {
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
	Register(ctx context.Context, username string, salt, verifier []byte) (*models.User, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error)
}

type recordSvc interface {
	Create(ctx context.Context, userID, device, table, id string, data json.RawMessage) (*models.Record, error)
	Update(ctx context.Context, userID, device, table, id string, fields json.RawMessage) (*models.Record, error)
	Delete(ctx context.Context, userID, device, table, id string) (*models.Record, error)
	Changes(ctx context.Context, userID string, tables []string, since time.Time) ([]models.ChangeEvent, error)
}

type blobSvc interface {
	PresignUpload(ctx context.Context, userID, table, id, contentType string) (string, string, error)
	PresignDownload(ctx context.Context, userID, key string) (string, error)
}

type changeSource interface {
	Subscribe(userID string, tables []string) (*broker.Subscription, error)
}

type GRPCServer struct {
	pb.UnimplementedVaultServiceServer
	address   string
	users     userSvc
	records   recordSvc
	blobs     blobSvc
	changes   changeSource
	logger    logging.Logger
	jwtSecret []byte
}

func NewGRPCServer(address string, l logging.Logger, us userSvc, rs recordSvc, bs blobSvc, cs changeSource, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:   address,
		logger:    l.With("module", "grpc_server"),
		users:     us,
		records:   rs,
		blobs:     bs,
		changes:   cs,
		jwtSecret: []byte(secretKey),
	}
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	pb.RegisterVaultServiceServer(srv, s)
	return srv
}

// Run listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is done, then stops gracefully. Open change
// streams end when the broker closes them.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	<-stopped
	return nil
}
