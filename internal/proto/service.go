package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "gophvault.VaultService"

const (
	VaultService_Ping_FullMethodName            = "/" + ServiceName + "/Ping"
	VaultService_RegisterUser_FullMethodName    = "/" + ServiceName + "/RegisterUser"
	VaultService_GetSalt_FullMethodName         = "/" + ServiceName + "/GetSalt"
	VaultService_Login_FullMethodName           = "/" + ServiceName + "/Login"
	VaultService_RefreshToken_FullMethodName    = "/" + ServiceName + "/RefreshToken"
	VaultService_CreateRecord_FullMethodName    = "/" + ServiceName + "/CreateRecord"
	VaultService_UpdateRecord_FullMethodName    = "/" + ServiceName + "/UpdateRecord"
	VaultService_DeleteRecord_FullMethodName    = "/" + ServiceName + "/DeleteRecord"
	VaultService_PresignUpload_FullMethodName   = "/" + ServiceName + "/PresignUpload"
	VaultService_PresignDownload_FullMethodName = "/" + ServiceName + "/PresignDownload"
	VaultService_Subscribe_FullMethodName       = "/" + ServiceName + "/Subscribe"
)

// VaultServiceServer is implemented by the server's gRPC layer.
type VaultServiceServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	RegisterUser(context.Context, *RegisterUserRequest) (*RegisterUserResponse, error)
	GetSalt(context.Context, *GetSaltRequest) (*GetSaltResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	RefreshToken(context.Context, *RefreshTokenRequest) (*RefreshTokenResponse, error)
	CreateRecord(context.Context, *CreateRecordRequest) (*CreateRecordResponse, error)
	UpdateRecord(context.Context, *UpdateRecordRequest) (*UpdateRecordResponse, error)
	DeleteRecord(context.Context, *DeleteRecordRequest) (*DeleteRecordResponse, error)
	PresignUpload(context.Context, *PresignUploadRequest) (*PresignUploadResponse, error)
	PresignDownload(context.Context, *PresignDownloadRequest) (*PresignDownloadResponse, error)
	Subscribe(*SubscribeRequest, VaultService_SubscribeServer) error
}

// VaultService_SubscribeServer is the server side of the change stream.
type VaultService_SubscribeServer interface {
	Send(*ChangeEvent) error
	grpc.ServerStream
}

type vaultServiceSubscribeServer struct {
	grpc.ServerStream
}

func (x *vaultServiceSubscribeServer) Send(m *ChangeEvent) error {
	w, err := toWire(m)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return x.ServerStream.SendMsg(w)
}

// unary builds a grpc.MethodHandler that decodes Req and dispatches to call,
// routing through the interceptor chain when one is installed. Interceptors
// see the typed request.
func unary[Req any, Resp any](fullMethod string, call func(VaultServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		w := newWire[Req]()
		if err := dec(w); err != nil {
			return nil, err
		}
		in, err := fromWire[Req](w)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		handler := func(ctx context.Context, req any) (any, error) {
			out, err := call(srv.(VaultServiceServer), ctx, req.(*Req))
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = new(Resp)
			}
			reply, err := toWire(out)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return reply, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	w := newWire[SubscribeRequest]()
	if err := stream.RecvMsg(w); err != nil {
		return err
	}
	in, err := fromWire[SubscribeRequest](w)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(VaultServiceServer).Subscribe(in, &vaultServiceSubscribeServer{stream})
}

var VaultService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unary(VaultService_Ping_FullMethodName, VaultServiceServer.Ping)},
		{MethodName: "RegisterUser", Handler: unary(VaultService_RegisterUser_FullMethodName, VaultServiceServer.RegisterUser)},
		{MethodName: "GetSalt", Handler: unary(VaultService_GetSalt_FullMethodName, VaultServiceServer.GetSalt)},
		{MethodName: "Login", Handler: unary(VaultService_Login_FullMethodName, VaultServiceServer.Login)},
		{MethodName: "RefreshToken", Handler: unary(VaultService_RefreshToken_FullMethodName, VaultServiceServer.RefreshToken)},
		{MethodName: "CreateRecord", Handler: unary(VaultService_CreateRecord_FullMethodName, VaultServiceServer.CreateRecord)},
		{MethodName: "UpdateRecord", Handler: unary(VaultService_UpdateRecord_FullMethodName, VaultServiceServer.UpdateRecord)},
		{MethodName: "DeleteRecord", Handler: unary(VaultService_DeleteRecord_FullMethodName, VaultServiceServer.DeleteRecord)},
		{MethodName: "PresignUpload", Handler: unary(VaultService_PresignUpload_FullMethodName, VaultServiceServer.PresignUpload)},
		{MethodName: "PresignDownload", Handler: unary(VaultService_PresignDownload_FullMethodName, VaultServiceServer.PresignDownload)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: FileName,
}

func RegisterVaultServiceServer(s grpc.ServiceRegistrar, srv VaultServiceServer) {
	s.RegisterService(&VaultService_ServiceDesc, srv)
}

// VaultServiceClient is the typed client for gophvault.VaultService.
type VaultServiceClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	RegisterUser(ctx context.Context, in *RegisterUserRequest, opts ...grpc.CallOption) (*RegisterUserResponse, error)
	GetSalt(ctx context.Context, in *GetSaltRequest, opts ...grpc.CallOption) (*GetSaltResponse, error)
	Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error)
	RefreshToken(ctx context.Context, in *RefreshTokenRequest, opts ...grpc.CallOption) (*RefreshTokenResponse, error)
	CreateRecord(ctx context.Context, in *CreateRecordRequest, opts ...grpc.CallOption) (*CreateRecordResponse, error)
	UpdateRecord(ctx context.Context, in *UpdateRecordRequest, opts ...grpc.CallOption) (*UpdateRecordResponse, error)
	DeleteRecord(ctx context.Context, in *DeleteRecordRequest, opts ...grpc.CallOption) (*DeleteRecordResponse, error)
	PresignUpload(ctx context.Context, in *PresignUploadRequest, opts ...grpc.CallOption) (*PresignUploadResponse, error)
	PresignDownload(ctx context.Context, in *PresignDownloadRequest, opts ...grpc.CallOption) (*PresignDownloadResponse, error)
	Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (VaultService_SubscribeClient, error)
}

// VaultService_SubscribeClient is the client side of the change stream.
type VaultService_SubscribeClient interface {
	Recv() (*ChangeEvent, error)
	grpc.ClientStream
}

type vaultServiceSubscribeClient struct {
	grpc.ClientStream
}

func (x *vaultServiceSubscribeClient) Recv() (*ChangeEvent, error) {
	w := newWire[ChangeEvent]()
	if err := x.ClientStream.RecvMsg(w); err != nil {
		return nil, err
	}
	e, err := fromWire[ChangeEvent](w)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return e, nil
}

type vaultServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewVaultServiceClient(cc grpc.ClientConnInterface) VaultServiceClient {
	return &vaultServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	req, err := toWire(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reply := newWire[Resp]()
	if err := cc.Invoke(ctx, method, req, reply, opts...); err != nil {
		return nil, err
	}
	out, err := fromWire[Resp](reply)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (c *vaultServiceClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c.cc, VaultService_Ping_FullMethodName, in, opts)
}

func (c *vaultServiceClient) RegisterUser(ctx context.Context, in *RegisterUserRequest, opts ...grpc.CallOption) (*RegisterUserResponse, error) {
	return invoke[RegisterUserResponse](ctx, c.cc, VaultService_RegisterUser_FullMethodName, in, opts)
}

func (c *vaultServiceClient) GetSalt(ctx context.Context, in *GetSaltRequest, opts ...grpc.CallOption) (*GetSaltResponse, error) {
	return invoke[GetSaltResponse](ctx, c.cc, VaultService_GetSalt_FullMethodName, in, opts)
}

func (c *vaultServiceClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, VaultService_Login_FullMethodName, in, opts)
}

func (c *vaultServiceClient) RefreshToken(ctx context.Context, in *RefreshTokenRequest, opts ...grpc.CallOption) (*RefreshTokenResponse, error) {
	return invoke[RefreshTokenResponse](ctx, c.cc, VaultService_RefreshToken_FullMethodName, in, opts)
}

func (c *vaultServiceClient) CreateRecord(ctx context.Context, in *CreateRecordRequest, opts ...grpc.CallOption) (*CreateRecordResponse, error) {
	return invoke[CreateRecordResponse](ctx, c.cc, VaultService_CreateRecord_FullMethodName, in, opts)
}

func (c *vaultServiceClient) UpdateRecord(ctx context.Context, in *UpdateRecordRequest, opts ...grpc.CallOption) (*UpdateRecordResponse, error) {
	return invoke[UpdateRecordResponse](ctx, c.cc, VaultService_UpdateRecord_FullMethodName, in, opts)
}

func (c *vaultServiceClient) DeleteRecord(ctx context.Context, in *DeleteRecordRequest, opts ...grpc.CallOption) (*DeleteRecordResponse, error) {
	return invoke[DeleteRecordResponse](ctx, c.cc, VaultService_DeleteRecord_FullMethodName, in, opts)
}

func (c *vaultServiceClient) PresignUpload(ctx context.Context, in *PresignUploadRequest, opts ...grpc.CallOption) (*PresignUploadResponse, error) {
	return invoke[PresignUploadResponse](ctx, c.cc, VaultService_PresignUpload_FullMethodName, in, opts)
}

func (c *vaultServiceClient) PresignDownload(ctx context.Context, in *PresignDownloadRequest, opts ...grpc.CallOption) (*PresignDownloadResponse, error) {
	return invoke[PresignDownloadResponse](ctx, c.cc, VaultService_PresignDownload_FullMethodName, in, opts)
}

func (c *vaultServiceClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (VaultService_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &VaultService_ServiceDesc.Streams[0], VaultService_Subscribe_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	req, err := toWire(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	x := &vaultServiceSubscribeClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// UnimplementedVaultServiceServer answers every method with
// codes.Unimplemented. Embed it to implement only part of the service.
type UnimplementedVaultServiceServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedVaultServiceServer) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return nil, unimplemented("Ping")
}
func (UnimplementedVaultServiceServer) RegisterUser(context.Context, *RegisterUserRequest) (*RegisterUserResponse, error) {
	return nil, unimplemented("RegisterUser")
}
func (UnimplementedVaultServiceServer) GetSalt(context.Context, *GetSaltRequest) (*GetSaltResponse, error) {
	return nil, unimplemented("GetSalt")
}
func (UnimplementedVaultServiceServer) Login(context.Context, *LoginRequest) (*LoginResponse, error) {
	return nil, unimplemented("Login")
}
func (UnimplementedVaultServiceServer) RefreshToken(context.Context, *RefreshTokenRequest) (*RefreshTokenResponse, error) {
	return nil, unimplemented("RefreshToken")
}
func (UnimplementedVaultServiceServer) CreateRecord(context.Context, *CreateRecordRequest) (*CreateRecordResponse, error) {
	return nil, unimplemented("CreateRecord")
}
func (UnimplementedVaultServiceServer) UpdateRecord(context.Context, *UpdateRecordRequest) (*UpdateRecordResponse, error) {
	return nil, unimplemented("UpdateRecord")
}
func (UnimplementedVaultServiceServer) DeleteRecord(context.Context, *DeleteRecordRequest) (*DeleteRecordResponse, error) {
	return nil, unimplemented("DeleteRecord")
}
func (UnimplementedVaultServiceServer) PresignUpload(context.Context, *PresignUploadRequest) (*PresignUploadResponse, error) {
	return nil, unimplemented("PresignUpload")
}
func (UnimplementedVaultServiceServer) PresignDownload(context.Context, *PresignDownloadRequest) (*PresignDownloadResponse, error) {
	return nil, unimplemented("PresignDownload")
}
func (UnimplementedVaultServiceServer) Subscribe(*SubscribeRequest, VaultService_SubscribeServer) error {
	return unimplemented("Subscribe")
}
