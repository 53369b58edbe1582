package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/common"
	pb "github.com/dmitrijs2005/gophvault/internal/proto"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type GRPCClient struct {
	endpointURL string
	device      string
	dialOpts    []grpc.DialOption
	onTokens    func(access, refresh string)

	conn   *grpc.ClientConn
	client pb.VaultServiceClient

	mu           sync.RWMutex
	accessToken  string
	refreshToken string

	refreshGroup singleflight.Group
}

type Option func(*GRPCClient)

// WithDevice sets the device name sent with every call. The server stamps
// it on written records so a client can recognise its own events.
func WithDevice(name string) Option {
	return func(c *GRPCClient) { c.device = name }
}

// WithTokenListener is called whenever the tokens change after a login or
// a refresh, so they can be persisted.
func WithTokenListener(fn func(access, refresh string)) Option {
	return func(c *GRPCClient) { c.onTokens = fn }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *GRPCClient) { c.dialOpts = append(c.dialOpts, opts...) }
}

func NewGRPCClient(endpointURL string, opts ...Option) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL}
	for _, o := range opts {
		o(c)
	}
	if err := c.initGRPCClient(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) initGRPCClient() error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.accessTokenInterceptor),
		grpc.WithStreamInterceptor(s.streamAccessTokenInterceptor),
	}, s.dialOpts...)

	conn, err := grpc.NewClient(s.endpointURL, opts...)
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = pb.NewVaultServiceClient(conn)
	return nil
}

func (s *GRPCClient) Tokens() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken, s.refreshToken
}

func (s *GRPCClient) SetTokens(access, refresh string) {
	s.mu.Lock()
	s.accessToken = access
	s.refreshToken = refresh
	s.mu.Unlock()

	if s.onTokens != nil {
		s.onTokens(access, refresh)
	}
}

func (s *GRPCClient) outgoing(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}
	if s.device != "" {
		md.Set(common.DeviceHeaderName, s.device)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func isTokenExpired(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unauthenticated && st.Message() == common.ErrTokenExpired.Error()
}

// refresh exchanges the refresh token for a new pair. Concurrent callers
// share one round trip.
func (s *GRPCClient) refresh(ctx context.Context) (string, error) {
	v, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		_, refreshToken := s.Tokens()
		if refreshToken == "" {
			return "", ErrUnauthorized
		}
		resp, err := s.client.RefreshToken(ctx, &pb.RefreshTokenRequest{RefreshToken: refreshToken})
		if err != nil {
			return "", err
		}
		s.SetTokens(resp.AccessToken, resp.RefreshToken)
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	access, _ := s.Tokens()
	err := invoker(s.outgoing(ctx, access), method, req, reply, cc, opts...)
	if !isTokenExpired(err) {
		return err
	}

	access, rerr := s.refresh(ctx)
	if rerr != nil {
		return err
	}
	return invoker(s.outgoing(ctx, access), method, req, reply, cc, opts...)
}

func (s *GRPCClient) streamAccessTokenInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	access, _ := s.Tokens()
	return streamer(s.outgoing(ctx, access), desc, cc, method, opts...)
}

func (s *GRPCClient) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *GRPCClient) Register(ctx context.Context, userName string, salt []byte, verifier []byte) error {
	req := &pb.RegisterUserRequest{Username: userName, Salt: salt, Verifier: verifier}
	if _, err := s.client.RegisterUser(ctx, req); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *GRPCClient) GetSalt(ctx context.Context, userName string) ([]byte, error) {
	resp, err := s.client.GetSalt(ctx, &pb.GetSaltRequest{Username: userName})
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Salt, nil
}

func (s *GRPCClient) Login(ctx context.Context, userName string, verifier []byte) error {
	resp, err := s.client.Login(ctx, &pb.LoginRequest{Username: userName, VerifierCandidate: verifier})
	if err != nil {
		return mapError(err)
	}
	s.SetTokens(resp.AccessToken, resp.RefreshToken)
	return nil
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	resp, err := s.client.Ping(ctx, &pb.PingRequest{})
	if err != nil {
		return mapError(err)
	}
	if resp.Status != "OK" {
		return ErrUnavailable
	}
	return nil
}

func (s *GRPCClient) Create(ctx context.Context, table, id string, data models.Fields) (*models.Snapshot, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	resp, err := s.client.CreateRecord(ctx, &pb.CreateRecordRequest{Table: table, ID: id, Data: raw})
	if err != nil {
		return nil, mapError(err)
	}
	return toSnapshot(resp.Record)
}

func (s *GRPCClient) Update(ctx context.Context, table, id string, fields models.Fields) (*models.Snapshot, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	resp, err := s.client.UpdateRecord(ctx, &pb.UpdateRecordRequest{Table: table, ID: id, Fields: raw})
	if err != nil {
		return nil, mapError(err)
	}
	return toSnapshot(resp.Record)
}

func (s *GRPCClient) Delete(ctx context.Context, table, id string) error {
	if _, err := s.client.DeleteRecord(ctx, &pb.DeleteRecordRequest{Table: table, ID: id}); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *GRPCClient) PresignUpload(ctx context.Context, table, id, contentType string) (string, string, error) {
	resp, err := s.client.PresignUpload(ctx, &pb.PresignUploadRequest{Table: table, ID: id, ContentType: contentType})
	if err != nil {
		return "", "", mapError(err)
	}
	return resp.Key, resp.URL, nil
}

func (s *GRPCClient) PresignDownload(ctx context.Context, key string) (string, error) {
	resp, err := s.client.PresignDownload(ctx, &pb.PresignDownloadRequest{Key: key})
	if err != nil {
		return "", mapError(err)
	}
	return resp.URL, nil
}

func (s *GRPCClient) Subscribe(ctx context.Context, since time.Time) (ChangeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.client.Subscribe(ctx, &pb.SubscribeRequest{Since: since})
	if err != nil {
		cancel()
		return nil, mapError(err)
	}
	return &changeStream{owner: s, ctx: ctx, stream: stream, cancel: cancel}, nil
}

type changeStream struct {
	owner  *GRPCClient
	ctx    context.Context
	stream pb.VaultService_SubscribeClient
	cancel context.CancelFunc
}

// Recv maps a stream that ended, for whatever reason, to a transient error
// so the caller resubscribes. An expired token is refreshed first.
func (c *changeStream) Recv() (models.RemoteChangeEvent, error) {
	e, err := c.stream.Recv()
	if err == nil {
		return toEvent(e)
	}
	if errors.Is(err, io.EOF) {
		return models.RemoteChangeEvent{}, fmt.Errorf("%w: change stream closed by server", ErrUnavailable)
	}
	if isTokenExpired(err) {
		if _, rerr := c.owner.refresh(c.ctx); rerr == nil {
			return models.RemoteChangeEvent{}, fmt.Errorf("%w: access token refreshed", ErrUnavailable)
		}
	}
	return models.RemoteChangeEvent{}, mapError(err)
}

func (c *changeStream) Close() error {
	c.cancel()
	return nil
}
