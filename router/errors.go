package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/machinefabric/quickd/conn"
	"github.com/machinefabric/quickd/plugin"
	"github.com/machinefabric/quickd/wire"
)

// RouteErrorType classifies a failed target resolution
type RouteErrorType int

const (
	TargetNotFound RouteErrorType = iota
	TargetUnavailable
)

// RouteError reports a named target that cannot take the request
type RouteError struct {
	Type   RouteErrorType
	Target string
	State  plugin.HealthState
}

func (e *RouteError) Error() string {
	switch e.Type {
	case TargetNotFound:
		return fmt.Sprintf("no plugin named %q", e.Target)
	case TargetUnavailable:
		return fmt.Sprintf("plugin %q is %s", e.Target, e.State)
	default:
		return fmt.Sprintf("cannot route to %q", e.Target)
	}
}

// ErrorCode maps any error surfaced to a front-end onto its wire code
func ErrorCode(err error) wire.Code {
	var routeErr *RouteError
	var wireErr *wire.Error
	var sendErr *plugin.SendError
	var schemaErr *wire.SchemaError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &wireErr):
		return wireErr.Code
	case errors.As(err, &routeErr):
		if routeErr.Type == TargetNotFound {
			return wire.CodeTargetNotFound
		}
		return wire.CodeTargetUnavailable
	case errors.Is(err, conn.ErrTooManyInFlight):
		return wire.CodeTooManyInFlight
	case errors.Is(err, conn.ErrBackpressure):
		return wire.CodeBackpressure
	case errors.Is(err, wire.ErrOversized):
		return wire.CodeOversizedMessage
	case errors.Is(err, wire.ErrMalformed), errors.As(err, &schemaErr):
		return wire.CodeInvalidRequest
	case errors.As(err, &sendErr):
		if sendErr.Type == plugin.SendErrorNotFound {
			return wire.CodeTargetNotFound
		}
		return wire.CodePluginUnavailable
	case errors.Is(err, plugin.ErrNotFound):
		return wire.CodeTargetNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return wire.CodeTimeout
	default:
		return wire.CodeInternal
	}
}

// ErrorResponse builds the error response for err
func ErrorResponse(id uint64, err error) *wire.Response {
	return wire.NewErrorResponse(id, ErrorCode(err), err.Error())
}
