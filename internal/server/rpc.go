package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/jobs"
)

// Connect service names. Every procedure is unary and carries a
// google.protobuf.Struct in both directions.
const (
	vmServiceName         = "quantix.v1.VMService"
	hostServiceName       = "quantix.v1.HostService"
	accountServiceName    = "quantix.v1.AccountService"
	jobServiceName        = "quantix.v1.AsyncJobService"
	snapshotServiceName   = "quantix.v1.SnapshotService"
	operationsServiceName = "quantix.v1.OperationsService"
)

// rpcFunc handles one procedure. The returned value is encoded as JSON and
// converted to a Struct, so it must encode to a JSON object.
type rpcFunc func(ctx context.Context, args *structpb.Struct) (any, error)

// handle registers a unary procedure on the mux.
func (s *Server) handle(service, method string, fn rpcFunc) {
	procedure := "/" + service + "/" + method
	handler := connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
			out, err := fn(ctx, req.Msg)
			if err != nil {
				cerr := toConnectError(err)
				if cerr.Code() == connect.CodeInternal {
					s.logger.Error("RPC failed", zap.String("procedure", procedure), zap.Error(err))
				}
				return nil, cerr
			}
			msg, err := toStruct(out)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(msg), nil
		},
	)
	s.mux.Handle(procedure, handler)
}

// decode unpacks a request Struct into dst using its json tags.
func decode(msg *structpb.Struct, dst any) error {
	if msg == nil {
		return nil
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// toStruct converts a JSON-encodable value into a response Struct.
func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return msg, nil
}

// toConnectError maps domain errors onto Connect status codes.
func toConnectError(err error) *connect.Error {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		code = connect.CodeAlreadyExists
	case errors.Is(err, domain.ErrInvalidArgument):
		code = connect.CodeInvalidArgument
	case errors.Is(err, domain.ErrLimitExceeded),
		errors.Is(err, domain.ErrResourceExhausted),
		errors.Is(err, domain.ErrNoSuitableHost):
		code = connect.CodeResourceExhausted
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrIncompatibleTarget),
		errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrMaintenanceStuck):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, domain.ErrUnavailable):
		code = connect.CodeUnavailable
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	}
	return connect.NewError(code, err)
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, field)
	}
	return nil
}

// jobAccepted is the response of every asynchronous procedure.
type jobAccepted struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// submit queues spec on the job manager and returns the job handle.
func (s *Server) submit(ctx context.Context, spec jobs.Spec) (any, error) {
	job, err := s.jobs.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	return jobAccepted{JobID: job.ID, Status: job.Status}, nil
}
