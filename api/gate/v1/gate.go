// Package gatev1 describes the labgate.v1.GateService gRPC contract. Requests and responses travel as
// google.protobuf.Struct messages keyed by the Field constants below.
package gatev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "labgate.v1.GateService"

const (
	MethodRequestUnlock       = "RequestUnlock"
	MethodCheckUnlockStatus   = "CheckUnlockStatus"
	MethodGrantUnlock         = "GrantUnlock"
	MethodSetDeviceBan        = "SetDeviceBan"
	MethodGetDeviceCredit     = "GetDeviceCredit"
	MethodRegisterProduct     = "RegisterProduct"
	MethodRecordSignal        = "RecordSignal"
	MethodGetDemand           = "GetDemand"
	MethodHasVoted            = "HasVoted"
	MethodAdvanceStatus       = "AdvanceStatus"
	MethodCorrectScore        = "CorrectScore"
	MethodSetFundingThreshold = "SetFundingThreshold"
	MethodRefreshDerived      = "RefreshDerived"
	MethodArchive             = "Archive"
	MethodRankQueue           = "RankQueue"
)

// Field names shared by requests and responses.
const (
	FieldProductID          = "product_id"
	FieldDeviceID           = "device_id"
	FieldAccountID          = "account_id"
	FieldEmail              = "email"
	FieldIsSubscriber       = "is_subscriber"
	FieldSubjectKey         = "subject_key"
	FieldTitle              = "title"
	FieldBanned             = "banned"
	FieldOutcome            = "outcome"
	FieldIsUnlocked         = "is_unlocked"
	FieldGrantType          = "grant_type"
	FieldGrantedAtUnixUTC   = "granted_at_unix_utc"
	FieldCreditsUsed        = "credits_used"
	FieldIsBanned           = "is_banned"
	FieldLinkedAccountID    = "linked_account_id"
	FieldEmailsSeen         = "emails_seen"
	FieldAbuseSuspected     = "abuse_suspected"
	FieldProductKey         = "product_key"
	FieldSignalType         = "signal_type"
	FieldFingerprint        = "fingerprint"
	FieldIsVerifiedMember   = "is_verified_member"
	FieldCount              = "count"
	FieldWeightedScore      = "weighted_score"
	FieldSearchSignals      = "search_signals"
	FieldPossessionSignals  = "possession_signals"
	FieldVerifiedSignals    = "verified_possession_signals"
	FieldPhotoSignals       = "photo_signals"
	FieldDistinctVoters     = "distinct_voters"
	FieldFundingThreshold   = "funding_threshold"
	FieldFundingProgressPct = "funding_progress_pct"
	FieldStatus             = "status"
	FieldThresholdReachedAt = "threshold_reached_at_unix_utc"
	FieldVelocityScore      = "velocity_score"
	FieldUrgency            = "urgency"
	FieldScansLast24h       = "scans_last_24h"
	FieldScansLast7d        = "scans_last_7d"
	FieldArchived           = "archived"
	FieldHistory            = "history"
	FieldFrom               = "from"
	FieldTo                 = "to"
	FieldChangedAtUnixUTC   = "changed_at_unix_utc"
	FieldNewVoter           = "new_voter"
	FieldTransitioned       = "transitioned"
	FieldHasVoted           = "has_voted"
	FieldScore              = "score"
	FieldLimit              = "limit"
	FieldItems              = "items"
)

// GateServiceServer is the server API for labgate.v1.GateService.
type GateServiceServer interface {
	RequestUnlock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckUnlockStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GrantUnlock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDeviceBan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDeviceCredit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterProduct(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordSignal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDemand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HasVoted(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvanceStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CorrectScore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetFundingThreshold(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshDerived(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Archive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RankQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type serverMethod func(server GateServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var serverMethods = map[string]serverMethod{
	MethodRequestUnlock:       GateServiceServer.RequestUnlock,
	MethodCheckUnlockStatus:   GateServiceServer.CheckUnlockStatus,
	MethodGrantUnlock:         GateServiceServer.GrantUnlock,
	MethodSetDeviceBan:        GateServiceServer.SetDeviceBan,
	MethodGetDeviceCredit:     GateServiceServer.GetDeviceCredit,
	MethodRegisterProduct:     GateServiceServer.RegisterProduct,
	MethodRecordSignal:        GateServiceServer.RecordSignal,
	MethodGetDemand:           GateServiceServer.GetDemand,
	MethodHasVoted:            GateServiceServer.HasVoted,
	MethodAdvanceStatus:       GateServiceServer.AdvanceStatus,
	MethodCorrectScore:        GateServiceServer.CorrectScore,
	MethodSetFundingThreshold: GateServiceServer.SetFundingThreshold,
	MethodRefreshDerived:      GateServiceServer.RefreshDerived,
	MethodArchive:             GateServiceServer.Archive,
	MethodRankQueue:           GateServiceServer.RankQueue,
}

// MethodNames lists every RPC in declaration order.
var MethodNames = []string{
	MethodRequestUnlock,
	MethodCheckUnlockStatus,
	MethodGrantUnlock,
	MethodSetDeviceBan,
	MethodGetDeviceCredit,
	MethodRegisterProduct,
	MethodRecordSignal,
	MethodGetDemand,
	MethodHasVoted,
	MethodAdvanceStatus,
	MethodCorrectScore,
	MethodSetFundingThreshold,
	MethodRefreshDerived,
	MethodArchive,
	MethodRankQueue,
}

// FullMethod returns the /service/method path used on the wire.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc is the grpc.ServiceDesc for labgate.v1.GateService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServiceServer)(nil),
	Methods:     buildMethodDescs(),
	Streams:     []grpc.StreamDesc{},
}

func buildMethodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(MethodNames))
	for _, name := range MethodNames {
		descs = append(descs, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, serverMethods[name])})
	}
	return descs
}

func unaryHandler(name string, method serverMethod) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(server.(GateServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: FullMethod(name)}
		handler := func(ctx context.Context, request any) (any, error) {
			return method(server.(GateServiceServer), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// RegisterGateServiceServer registers server with registrar.
func RegisterGateServiceServer(registrar grpc.ServiceRegistrar, server GateServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

// UnimplementedGateServiceServer answers codes.Unimplemented for every method.
type UnimplementedGateServiceServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedGateServiceServer) RequestUnlock(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRequestUnlock)
}
func (UnimplementedGateServiceServer) CheckUnlockStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodCheckUnlockStatus)
}
func (UnimplementedGateServiceServer) GrantUnlock(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodGrantUnlock)
}
func (UnimplementedGateServiceServer) SetDeviceBan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodSetDeviceBan)
}
func (UnimplementedGateServiceServer) GetDeviceCredit(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodGetDeviceCredit)
}
func (UnimplementedGateServiceServer) RegisterProduct(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRegisterProduct)
}
func (UnimplementedGateServiceServer) RecordSignal(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecordSignal)
}
func (UnimplementedGateServiceServer) GetDemand(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodGetDemand)
}
func (UnimplementedGateServiceServer) HasVoted(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodHasVoted)
}
func (UnimplementedGateServiceServer) AdvanceStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodAdvanceStatus)
}
func (UnimplementedGateServiceServer) CorrectScore(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodCorrectScore)
}
func (UnimplementedGateServiceServer) SetFundingThreshold(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodSetFundingThreshold)
}
func (UnimplementedGateServiceServer) RefreshDerived(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRefreshDerived)
}
func (UnimplementedGateServiceServer) Archive(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodArchive)
}
func (UnimplementedGateServiceServer) RankQueue(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRankQueue)
}

// GateServiceClient calls labgate.v1.GateService methods by name.
type GateServiceClient interface {
	Call(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error)
}

type gateServiceClient struct {
	connection grpc.ClientConnInterface
}

// NewGateServiceClient returns a client bound to connection.
func NewGateServiceClient(connection grpc.ClientConnInterface) GateServiceClient {
	return &gateServiceClient{connection: connection}
}

func (client *gateServiceClient) Call(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	if request == nil {
		request = &structpb.Struct{}
	}
	response := new(structpb.Struct)
	if err := client.connection.Invoke(ctx, FullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}
