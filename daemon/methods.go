package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/machinefabric/quickd/conn"
	"github.com/machinefabric/quickd/plugin"
	"github.com/machinefabric/quickd/router"
	"github.com/machinefabric/quickd/wire"
)

// Status is the data of a status result
type Status struct {
	Version     string        `json:"version"`
	PID         int           `json:"pid"`
	Socket      string        `json:"socket"`
	StartedAt   time.Time     `json:"started_at"`
	Plugins     []plugin.Info `json:"plugins"`
	Router      router.Stats  `json:"router"`
	Connections []conn.Stats  `json:"connections"`
}

// RestartParams names the plugin to restart
type RestartParams struct {
	Plugin string `json:"plugin"`
}

func (d *Daemon) registerMethods() {
	d.router.Handle(wire.MethodActivate, d.activate)
	d.router.Handle(wire.MethodStatus, d.status)
	d.router.Handle(wire.MethodRestart, d.restart)
	d.router.Handle(wire.MethodPing, func(context.Context, *conn.Conn, *wire.Request) router.Outcome {
		return router.Outcome{Result: wire.EmptyResult()}
	})
}

func (d *Daemon) activate(ctx context.Context, _ *conn.Conn, req *wire.Request) router.Outcome {
	act, err := wire.ParseActivation(req.Params)
	if err != nil {
		return router.Outcome{Err: router.ErrInternal(err)}
	}
	cb, err := d.actions.Execute(ctx, act.Action)
	if err != nil {
		return router.Outcome{Err: router.ErrInternal(err)}
	}
	if cb == nil {
		return router.Outcome{Result: wire.ActivatedResult()}
	}
	if act.Source == "" {
		return router.Outcome{Err: &wire.Error{Code: wire.CodeInvalidRequest, Message: "callback action without a source plugin"}}
	}
	params, err := json.Marshal(wire.CallbackParams{Key: cb.Key, Params: cb.Params})
	if err != nil {
		return router.Outcome{Err: router.ErrInternal(err)}
	}
	return router.Outcome{Forward: &wire.Request{Method: wire.MethodCallback, Params: params, Target: act.Source}}
}

func (d *Daemon) status(context.Context, *conn.Conn, *wire.Request) router.Outcome {
	raw, err := wire.StatusResult(d.Status())
	if err != nil {
		return router.Outcome{Err: router.ErrInternal(err)}
	}
	return router.Outcome{Result: raw}
}

// Status reports the daemon's current state
func (d *Daemon) Status() Status {
	return Status{
		Version:     Version,
		PID:         os.Getpid(),
		Socket:      d.cfg.Daemon.Socket,
		StartedAt:   d.started,
		Plugins:     d.registry.Snapshot(),
		Router:      d.router.Stats(),
		Connections: d.conns.Snapshot(),
	}
}

func (d *Daemon) restart(_ context.Context, _ *conn.Conn, req *wire.Request) router.Outcome {
	var p RestartParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return router.Outcome{Err: &wire.Error{Code: wire.CodeInvalidRequest, Message: err.Error()}}
		}
	}
	if p.Plugin == "" {
		return router.Outcome{Err: &wire.Error{Code: wire.CodeInvalidRequest, Message: "restart needs a plugin name"}}
	}
	info, ok := d.registry.Lookup(p.Plugin)
	if !ok {
		return router.Outcome{Err: router.ErrInternal(&router.RouteError{Type: router.TargetNotFound, Target: p.Plugin})}
	}
	if err := d.registry.Restart(info.ID); err != nil {
		var spawnErr *plugin.SpawnError
		if errors.As(err, &spawnErr) {
			return router.Outcome{Err: &wire.Error{Code: wire.CodePluginUnavailable, Message: err.Error()}}
		}
		return router.Outcome{Err: router.ErrInternal(err)}
	}
	info, _ = d.registry.Lookup(string(info.ID))
	raw, err := wire.StatusResult(info)
	if err != nil {
		return router.Outcome{Err: router.ErrInternal(err)}
	}
	return router.Outcome{Result: raw}
}
