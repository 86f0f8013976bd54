package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	storeerrors "github.com/arkilian/memlog/internal/errors"
)

// Trailer keys carrying a StoreError across the wire.
const (
	trailerCategory     = "x-error-category"
	trailerCode         = "x-error-code"
	trailerDetailPrefix = "x-error-detail-"
)

// statusCode maps a store error to the gRPC code clients act on.
func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	switch storeerrors.GetCategory(err) {
	case storeerrors.ErrCategoryReplication:
		return codes.Unavailable
	case storeerrors.ErrCategoryIntegrity:
		return codes.DataLoss
	case storeerrors.ErrCategoryValidation:
		return codes.InvalidArgument
	case storeerrors.ErrCategorySerialization:
		if storeerrors.GetCode(err) == storeerrors.CodeUnknownEventType {
			return codes.InvalidArgument
		}
	}
	return codes.Internal
}

// toStatus converts err to a gRPC status error, attaching the category,
// code and details of a StoreError as trailer metadata.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var se *storeerrors.StoreError
	if errors.As(err, &se) {
		md := metadata.Pairs(trailerCategory, string(se.Category), trailerCode, se.Code)
		for k, v := range se.Details {
			md.Append(trailerDetailPrefix+k, fmt.Sprint(v))
		}
		_ = grpc.SetTrailer(ctx, md)
	}
	return status.Error(statusCode(err), err.Error())
}

// fromStatus rebuilds the StoreError a server sent. Errors without one
// become RPC failures.
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	category := first(trailer, trailerCategory)
	code := first(trailer, trailerCode)
	if category == "" || code == "" {
		return storeerrors.NewReplicationError(storeerrors.CodeRPCFailed, st.Message(), err)
	}
	msg := strings.TrimPrefix(st.Message(), "["+category+":"+code+"] ")
	se := storeerrors.New(storeerrors.ErrorCategory(category), code, msg)
	details := make(map[string]interface{})
	for k, v := range trailer {
		if name, ok := strings.CutPrefix(k, trailerDetailPrefix); ok && len(v) > 0 {
			details[name] = v[0]
		}
	}
	if len(details) > 0 {
		se = se.WithDetails(details)
	}
	return se
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
