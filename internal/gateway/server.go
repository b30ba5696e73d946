package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/toolgate/internal/dispatch"
	"github.com/msageha/toolgate/internal/events"
	"github.com/msageha/toolgate/internal/model"
	"github.com/msageha/toolgate/internal/rpc"
)

// Version is the gateway release version reported by ping.
const Version = "0.3.0"

// taskParams carries the task-protocol fields. Field names are a wire
// contract shared with clients; do not rename them.
type taskParams struct {
	ExecutionID  string             `json:"execution_id"`
	LeaseID      string             `json:"lease_id"`
	WorkspaceID  string             `json:"workspace_id"`
	Capability   string             `json:"capability"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
	Status       model.ResultStatus `json:"status"`
	Output       string             `json:"output"`
	ResultJSON   json.RawMessage    `json:"result_json,omitempty"`
	Attachments  []model.Attachment `json:"attachments,omitempty"`
	ClientID     string             `json:"client_id"`
	Limit        int                `json:"limit,omitempty"`
	LeaseSeconds int                `json:"lease_seconds,omitempty"`
	WaitSeconds  int                `json:"wait_seconds,omitempty"`
	Pct          *int               `json:"pct,omitempty"`
	Message      string             `json:"message,omitempty"`
}

type confirmParams struct {
	ToolName     string `json:"tool_name"`
	WorkspaceKey string `json:"workspace_key"`
	Preview      string `json:"preview,omitempty"`
}

type lensParams struct {
	WorkspaceKey string `json:"workspace_key"`
}

// RegisterHandlers wires every gateway command onto the socket server.
// requestShutdown is called asynchronously when a shutdown command arrives.
func RegisterHandlers(server *rpc.Server, g *Gateway, d *dispatch.Dispatcher, bus *events.Bus, requestShutdown func()) {
	server.Handle("ping", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		return rpc.SuccessResponse(map[string]string{"status": "ok", "version": Version})
	})

	server.Handle("shutdown", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		go requestShutdown()
		return rpc.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	server.Handle("list_capabilities", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		return rpc.SuccessResponse(map[string]any{"tools": g.ListCapabilities()})
	})

	server.Handle("invoke", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params InvokeRequest
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		if params.ToolName == "" {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, "tool_name is required")
		}
		if params.WorkspaceKey == "" {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, "workspace_key is required")
		}
		envelope, err := g.Invoke(ctx, params)
		if err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeInternal, err.Error())
		}
		return rpc.SuccessResponse(envelope)
	})

	server.Handle("confirm_request", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params confirmParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		grant, err := g.RequestConfirmation(ctx, params.ToolName, params.WorkspaceKey, params.Preview)
		if err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		return rpc.SuccessResponse(grant)
	})

	server.Handle("lens_resolve", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params lensParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		lens, err := g.ResolveLens(ctx, params.WorkspaceKey)
		if err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeBackend, err.Error())
		}
		return rpc.SuccessResponse(lens)
	})

	server.Handle("task_enqueue", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params taskParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		task, err := d.Enqueue(ctx, dispatch.EnqueueRequest{
			ExecutionID: params.ExecutionID,
			WorkspaceID: params.WorkspaceID,
			Capability:  params.Capability,
			Payload:     params.Payload,
		})
		if err != nil {
			return taskError(err)
		}
		bus.Publish(events.EventTaskEnqueued, map[string]any{
			"execution_id": task.ExecutionID,
			"workspace_id": task.WorkspaceID,
			"capability":   task.Capability,
		})
		return rpc.SuccessResponse(task)
	})

	server.Handle("task_next", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params taskParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		tasks, err := d.Next(ctx, dispatch.NextRequest{
			WorkspaceID:  params.WorkspaceID,
			ClientID:     params.ClientID,
			Limit:        params.Limit,
			LeaseSeconds: params.LeaseSeconds,
			WaitSeconds:  params.WaitSeconds,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return rpc.ErrorResponse(rpc.ErrCodeCancelled, "caller disconnected")
			}
			return taskError(err)
		}
		for _, task := range tasks {
			bus.Publish(events.EventTaskLeased, map[string]any{
				"execution_id": task.ExecutionID,
				"client_id":    params.ClientID,
				"lease_epoch":  task.LeaseEpoch,
			})
		}
		return rpc.SuccessResponse(map[string]any{"tasks": tasks})
	})

	server.Handle("task_ack", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params taskParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		task, err := d.Ack(ctx, params.ExecutionID, params.LeaseID, params.ClientID)
		if err != nil {
			return taskError(err)
		}
		return rpc.SuccessResponse(task)
	})

	server.Handle("task_progress", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params taskParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		task, err := d.Progress(ctx, dispatch.ProgressRequest{
			ExecutionID: params.ExecutionID,
			LeaseID:     params.LeaseID,
			ClientID:    params.ClientID,
			Pct:         params.Pct,
			Message:     params.Message,
		})
		if err != nil {
			return taskError(err)
		}
		return rpc.SuccessResponse(task)
	})

	server.Handle("task_result", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params taskParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		task, err := d.SubmitResult(ctx, dispatch.ResultRequest{
			ExecutionID: params.ExecutionID,
			LeaseID:     params.LeaseID,
			ClientID:    params.ClientID,
			Status:      params.Status,
			Output:      params.Output,
			ResultJSON:  params.ResultJSON,
			Attachments: params.Attachments,
		})
		if err != nil {
			return taskError(err)
		}
		bus.Publish(events.EventTaskCompleted, map[string]any{
			"execution_id": task.ExecutionID,
			"status":       string(task.Status),
			"client_id":    params.ClientID,
			"attempts":     task.Attempts,
		})
		return rpc.SuccessResponse(task)
	})

	server.Handle("task_inflight", func(ctx context.Context, req *rpc.Request) *rpc.Response {
		var params taskParams
		if err := unmarshalParams(req, &params); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		tasks, err := d.ListInflight(ctx, params.ClientID)
		if err != nil {
			return taskError(err)
		}
		return rpc.SuccessResponse(map[string]any{"tasks": tasks})
	})
}

func unmarshalParams(req *rpc.Request, v any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// taskError maps dispatcher errors onto protocol error codes.
func taskError(err error) *rpc.Response {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return rpc.ErrorResponse(rpc.ErrCodeNotFound, err.Error())
	case errors.Is(err, dispatch.ErrLeaseMismatch):
		return rpc.ErrorResponse(rpc.ErrCodeLeaseMismatch, err.Error())
	case errors.Is(err, dispatch.ErrLeaseCeiling):
		return rpc.ErrorResponse(rpc.ErrCodeLeaseCeiling, err.Error())
	default:
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}
}
