package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	gatev1 "github.com/MarkoPoloResearchLab/labgate/api/gate/v1"
	"github.com/MarkoPoloResearchLab/labgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	bufferSize   = 1024 * 1024
	fixtureClock = int64(1700000000)
)

type gateHarness struct {
	client     gatev1.GateServiceClient
	connection *grpc.ClientConn
}

func newGateHarness(test *testing.T) *gateHarness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "gate.db")+"?_pragma=busy_timeout(5000)"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	clock := func() int64 { return fixtureClock }
	unlockStore := gormstore.New(db)
	unlockService, err := unlock.NewService(unlockStore, unlockStore, clock)
	if err != nil {
		test.Fatalf("unlock service: %v", err)
	}
	demandService, err := demand.NewService(gormstore.NewDemandStore(db), clock)
	if err != nil {
		test.Fatalf("demand service: %v", err)
	}

	listener := bufconn.Listen(bufferSize)
	server := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(zap.NewNop())))
	Register(server, NewGateServiceServer(unlockService, demandService))
	go func() { _ = server.Serve(listener) }()

	connection, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() {
		_ = connection.Close()
		server.Stop()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &gateHarness{client: gatev1.NewGateServiceClient(connection), connection: connection}
}

func (harness *gateHarness) call(test *testing.T, method string, fields map[string]any) (*structpb.Struct, error) {
	test.Helper()
	request, err := structpb.NewStruct(fields)
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	return harness.client.Call(context.Background(), method, request)
}

func (harness *gateHarness) mustCall(test *testing.T, method string, fields map[string]any) *structpb.Struct {
	test.Helper()
	response, err := harness.call(test, method, fields)
	if err != nil {
		test.Fatalf("%s: %v", method, err)
	}
	return response
}

func requireCode(test *testing.T, err error, expected codes.Code, message string) {
	test.Helper()
	if status.Code(err) != expected {
		test.Fatalf("expected %s, got %v", expected, err)
	}
	if message != "" && status.Convert(err).Message() != message {
		test.Fatalf("expected message %q, got %q", message, status.Convert(err).Message())
	}
}

func TestUnlockFlowOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newGateHarness(test)
	for _, productID := range []string{"p-1", "p-2"} {
		harness.mustCall(test, gatev1.MethodRegisterProduct, map[string]any{
			gatev1.FieldProductID: productID,
			gatev1.FieldTitle:     "Lab report " + productID,
		})
	}

	first := harness.mustCall(test, gatev1.MethodRequestUnlock, map[string]any{
		gatev1.FieldProductID: "p-1",
		gatev1.FieldDeviceID:  "device-a",
	})
	if first.GetFields()[gatev1.FieldOutcome].GetStringValue() != unlock.OutcomeUnlocked.String() {
		test.Fatalf("unexpected first outcome: %v", first)
	}
	if first.GetFields()[gatev1.FieldGrantType].GetStringValue() != unlock.GrantFreeCredit.String() {
		test.Fatalf("unexpected grant type: %v", first)
	}

	second := harness.mustCall(test, gatev1.MethodRequestUnlock, map[string]any{
		gatev1.FieldProductID: "p-2",
		gatev1.FieldDeviceID:  "device-a",
	})
	if second.GetFields()[gatev1.FieldOutcome].GetStringValue() != unlock.OutcomeUpgradeRequired.String() {
		test.Fatalf("expected upgrade_required, got %v", second)
	}
	if second.GetFields()[gatev1.FieldIsUnlocked].GetBoolValue() {
		test.Fatalf("upgrade_required must not unlock")
	}

	statusResponse := harness.mustCall(test, gatev1.MethodCheckUnlockStatus, map[string]any{
		gatev1.FieldProductID: "p-1",
		gatev1.FieldDeviceID:  "device-a",
	})
	if !statusResponse.GetFields()[gatev1.FieldIsUnlocked].GetBoolValue() {
		test.Fatalf("expected unlocked status")
	}

	credit := harness.mustCall(test, gatev1.MethodGetDeviceCredit, map[string]any{gatev1.FieldDeviceID: "device-a"})
	if credit.GetFields()[gatev1.FieldCreditsUsed].GetNumberValue() != 1 {
		test.Fatalf("expected one credit used, got %v", credit)
	}
}

func TestUnlockErrorsMapToStatusCodes(test *testing.T) {
	test.Parallel()
	harness := newGateHarness(test)
	harness.mustCall(test, gatev1.MethodRegisterProduct, map[string]any{
		gatev1.FieldProductID: "p-1",
		gatev1.FieldTitle:     "Lab report",
	})
	harness.mustCall(test, gatev1.MethodSetDeviceBan, map[string]any{
		gatev1.FieldDeviceID: "device-banned",
		gatev1.FieldBanned:   true,
	})

	testCases := []struct {
		name    string
		fields  map[string]any
		code    codes.Code
		message string
	}{
		{
			name:    "unknown product",
			fields:  map[string]any{gatev1.FieldProductID: "missing", gatev1.FieldDeviceID: "device-a"},
			code:    codes.NotFound,
			message: errorProductNotFound,
		},
		{
			name:    "banned device",
			fields:  map[string]any{gatev1.FieldProductID: "p-1", gatev1.FieldDeviceID: "device-banned"},
			code:    codes.PermissionDenied,
			message: errorDeviceBanned,
		},
		{
			name:    "blank device",
			fields:  map[string]any{gatev1.FieldProductID: "p-1"},
			code:    codes.InvalidArgument,
			message: errorInvalidDeviceID,
		},
		{
			name:    "malformed email",
			fields:  map[string]any{gatev1.FieldProductID: "p-1", gatev1.FieldDeviceID: "device-a", gatev1.FieldEmail: "not-an-email"},
			code:    codes.InvalidArgument,
			message: errorInvalidEmail,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			_, err := harness.call(test, gatev1.MethodRequestUnlock, testCase.fields)
			requireCode(test, err, testCase.code, testCase.message)
		})
	}
}

func TestDemandFlowOverGRPC(test *testing.T) {
	test.Parallel()
	harness := newGateHarness(test)

	snapshot := harness.mustCall(test, gatev1.MethodRecordSignal, map[string]any{
		gatev1.FieldProductKey:  "sku-1",
		gatev1.FieldSignalType:  demand.SignalSearch.String(),
		gatev1.FieldFingerprint: "fp-1",
		gatev1.FieldCount:       45,
	})
	fields := snapshot.GetFields()
	if fields[gatev1.FieldWeightedScore].GetNumberValue() != 45 {
		test.Fatalf("expected score 45, got %v", snapshot)
	}
	if fields[gatev1.FieldFundingProgressPct].GetNumberValue() != 5 {
		test.Fatalf("expected 5%% progress, got %v", snapshot)
	}
	if !fields[gatev1.FieldNewVoter].GetBoolValue() {
		test.Fatalf("expected first vote to be new")
	}

	voted := harness.mustCall(test, gatev1.MethodHasVoted, map[string]any{
		gatev1.FieldProductKey:  "sku-1",
		gatev1.FieldFingerprint: "fp-1",
	})
	if !voted.GetFields()[gatev1.FieldHasVoted].GetBoolValue() {
		test.Fatalf("expected fingerprint to be recorded")
	}

	_, err := harness.call(test, gatev1.MethodRecordSignal, map[string]any{
		gatev1.FieldProductKey: "sku-1",
		gatev1.FieldSignalType: "review",
	})
	requireCode(test, err, codes.InvalidArgument, errorInvalidSignalType)

	_, err = harness.call(test, gatev1.MethodRecordSignal, map[string]any{
		gatev1.FieldProductKey: "sku-1",
		gatev1.FieldSignalType: demand.SignalSearch.String(),
		gatev1.FieldCount:      1.5,
	})
	requireCode(test, err, codes.InvalidArgument, "")

	_, err = harness.call(test, gatev1.MethodAdvanceStatus, map[string]any{
		gatev1.FieldProductKey: "sku-1",
		gatev1.FieldStatus:     demand.StatusQueued.String(),
	})
	requireCode(test, err, codes.FailedPrecondition, errorInvalidStatusTransition)

	_, err = harness.call(test, gatev1.MethodGetDemand, map[string]any{gatev1.FieldProductKey: "missing"})
	requireCode(test, err, codes.NotFound, errorDemandNotFound)

	_, err = harness.call(test, gatev1.MethodArchive, map[string]any{gatev1.FieldProductKey: "sku-1"})
	requireCode(test, err, codes.FailedPrecondition, errorNotArchivable)

	harness.mustCall(test, gatev1.MethodRecordSignal, map[string]any{
		gatev1.FieldProductKey: "sku-2",
		gatev1.FieldSignalType: demand.SignalPossession.String(),
	})
	ranked := harness.mustCall(test, gatev1.MethodRankQueue, map[string]any{gatev1.FieldLimit: 10})
	items := ranked.GetFields()[gatev1.FieldItems].GetListValue().GetValues()
	if len(items) != 2 {
		test.Fatalf("expected two ranked products, got %v", ranked)
	}

	_, err = harness.call(test, gatev1.MethodRankQueue, map[string]any{gatev1.FieldLimit: maxRankLimit + 1})
	requireCode(test, err, codes.InvalidArgument, errorInvalidRankLimit)
}

func TestHealthServiceReportsServing(test *testing.T) {
	test.Parallel()
	harness := newGateHarness(test)
	response, err := healthpb.NewHealthClient(harness.connection).Check(context.Background(), &healthpb.HealthCheckRequest{Service: gatev1.ServiceName})
	if err != nil {
		test.Fatalf("health check: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("unexpected health status: %v", response.GetStatus())
	}
}

func TestMapToGRPCError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		input error
		code  codes.Code
	}{
		{name: "wrapped not found", input: unlock.WrapError("unlock", "product", "lookup", unlock.ErrProductNotFound), code: codes.NotFound},
		{name: "forbidden", input: fmt.Errorf("outer: %w", unlock.ErrDeviceBanned), code: codes.PermissionDenied},
		{name: "invalid signal", input: demand.ErrInvalidSignalType, code: codes.InvalidArgument},
		{name: "illegal transition", input: demand.ErrInvalidStatusTransition, code: codes.FailedPrecondition},
		{name: "existing status", input: status.Error(codes.InvalidArgument, "bad"), code: codes.InvalidArgument},
		{name: "unclassified", input: errors.New("disk on fire"), code: codes.Internal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if code := status.Code(mapToGRPCError(testCase.input)); code != testCase.code {
				test.Fatalf("expected %s, got %s", testCase.code, code)
			}
		})
	}
}

func TestNormalizeRankLimit(test *testing.T) {
	test.Parallel()
	if limit, err := normalizeRankLimit(0); err != nil || limit != defaultRankLimit {
		test.Fatalf("expected default limit, got %d %v", limit, err)
	}
	if limit, err := normalizeRankLimit(7); err != nil || limit != 7 {
		test.Fatalf("expected 7, got %d %v", limit, err)
	}
	if _, err := normalizeRankLimit(maxRankLimit + 1); err == nil {
		test.Fatalf("expected limit error")
	}
}
