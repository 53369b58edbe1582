package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophvault/internal/common"
	pb "github.com/dmitrijs2005/gophvault/internal/proto"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps service errors onto gRPC codes. Unknown errors are logged
// and reported as a bare internal error.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrorValidation), errors.Is(err, models.ErrUnknownTable):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrorAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, common.ErrRefreshTokenExpired):
		return status.Error(codes.Unauthenticated, common.ErrRefreshTokenExpired.Error())
	case errors.Is(err, common.ErrorUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	s.logger.Error(ctx, err.Error())
	return status.Error(codes.Internal, "internal error")
}

func toPBRecord(r *models.Record) *pb.Record {
	if r == nil {
		return nil
	}
	return &pb.Record{
		Table:     r.Table,
		ID:        r.ID,
		Data:      r.Data,
		UpdatedAt: r.UpdatedAt,
		Device:    r.Device,
		Deleted:   r.Deleted,
	}
}

func toPBEvent(e models.ChangeEvent) *pb.ChangeEvent {
	return &pb.ChangeEvent{
		Table:     e.Table,
		Type:      e.Type,
		New:       toPBRecord(e.New),
		Old:       toPBRecord(e.Old),
		UpdatedAt: e.UpdatedAt,
		Device:    e.Device,
	}
}

func (s *GRPCServer) Ping(ctx context.Context, req *pb.PingRequest) (*pb.PingResponse, error) {
	return &pb.PingResponse{Status: "OK"}, nil
}

func (s *GRPCServer) RegisterUser(ctx context.Context, req *pb.RegisterUserRequest) (*pb.RegisterUserResponse, error) {
	s.logger.Info(ctx, "Registration request")

	result, err := s.users.Register(ctx, req.Username, req.Salt, req.Verifier)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	s.logger.Info(ctx, "Registered", "username", req.Username)
	return &pb.RegisterUserResponse{UserID: result.ID}, nil
}

func (s *GRPCServer) GetSalt(ctx context.Context, req *pb.GetSaltRequest) (*pb.GetSaltResponse, error) {
	result, err := s.users.GetSalt(ctx, req.Username)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.GetSaltResponse{Salt: result}, nil
}

func (s *GRPCServer) Login(ctx context.Context, req *pb.LoginRequest) (*pb.LoginResponse, error) {
	tokens, err := s.users.Login(ctx, req.Username, req.VerifierCandidate)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.LoginResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

func (s *GRPCServer) RefreshToken(ctx context.Context, req *pb.RefreshTokenRequest) (*pb.RefreshTokenResponse, error) {
	tokens, err := s.users.RefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.RefreshTokenResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

func (s *GRPCServer) CreateRecord(ctx context.Context, req *pb.CreateRecordRequest) (*pb.CreateRecordResponse, error) {
	userID, err := userIDFrom(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Create(ctx, userID, deviceFrom(ctx), req.Table, req.ID, req.Data)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.CreateRecordResponse{Record: toPBRecord(rec)}, nil
}

func (s *GRPCServer) UpdateRecord(ctx context.Context, req *pb.UpdateRecordRequest) (*pb.UpdateRecordResponse, error) {
	userID, err := userIDFrom(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Update(ctx, userID, deviceFrom(ctx), req.Table, req.ID, req.Fields)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.UpdateRecordResponse{Record: toPBRecord(rec)}, nil
}

// DeleteRecord is idempotent; Record is empty when there was nothing to delete.
func (s *GRPCServer) DeleteRecord(ctx context.Context, req *pb.DeleteRecordRequest) (*pb.DeleteRecordResponse, error) {
	userID, err := userIDFrom(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Delete(ctx, userID, deviceFrom(ctx), req.Table, req.ID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.DeleteRecordResponse{Record: toPBRecord(rec)}, nil
}

func (s *GRPCServer) PresignUpload(ctx context.Context, req *pb.PresignUploadRequest) (*pb.PresignUploadResponse, error) {
	userID, err := userIDFrom(ctx)
	if err != nil {
		return nil, err
	}
	if !models.ValidTable(req.Table) || req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "table and id are required")
	}
	key, url, err := s.blobs.PresignUpload(ctx, userID, req.Table, req.ID, req.ContentType)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.PresignUploadResponse{Key: key, URL: url}, nil
}

func (s *GRPCServer) PresignDownload(ctx context.Context, req *pb.PresignDownloadRequest) (*pb.PresignDownloadResponse, error) {
	userID, err := userIDFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	url, err := s.blobs.PresignDownload(ctx, userID, req.Key)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &pb.PresignDownloadResponse{URL: url}, nil
}
