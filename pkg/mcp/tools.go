package mcp

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	errors "gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/engine"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// Engine is the set of operations exposed as tools.
type Engine interface {
	Create(ctx context.Context, req engine.ConfigRequest) (string, error)
	Update(ctx context.Context, req engine.ConfigRequest) (string, error)
	Start(ctx context.Context, req engine.VMRequest) (string, error)
	Stop(ctx context.Context, req engine.VMRequest) (string, error)
	Reset(ctx context.Context, req engine.VMRequest) (string, error)
	Powerdown(ctx context.Context, req engine.VMRequest) (string, error)
	MountMedia(ctx context.Context, req engine.MediaRequest) (string, error)
	UnmountMedia(ctx context.Context, req engine.VMRequest) (string, error)
	Migrate(ctx context.Context, req engine.MigrateRequest) (string, error)
	Backup(ctx context.Context, req engine.VMRequest) (string, error)
	Delete(ctx context.Context, req engine.DeleteRequest) (string, error)
	List(ctx context.Context) ([]*vm.Record, error)
	Inspect(ctx context.Context, req engine.VMRequest) (*engine.Inspection, error)
	CreateDisk(ctx context.Context, req engine.DiskRequest) (string, error)
	ResizeDisk(ctx context.Context, req engine.DiskRequest) (string, error)
	DeleteDisk(ctx context.Context, req engine.DiskRequest) (string, error)
	ListDisks(ctx context.Context) ([]*vm.Disk, error)
	ConsoleStart(ctx context.Context, req engine.VMRequest) (string, error)
	ConsoleStop(ctx context.Context, req engine.VMRequest) (string, error)
}

var _ Engine = (*engine.Engine)(nil)

// Tool is one callable operation with its reflected input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`

	call func(ctx context.Context, params json.RawMessage) (string, error)
}

// Toolbox holds the tools in registration order.
type Toolbox struct {
	tools *orderedmap.OrderedMap[string, *Tool]
}

type noParams struct{}

// NewToolbox registers every engine operation.
func NewToolbox(eng Engine) (*Toolbox, error) {
	tb := &Toolbox{tools: orderedmap.New[string, *Tool]()}

	regs := []error{
		register(tb, "create", "Create a VM record, allocating its console port and guest address and claiming its disks", eng.Create),
		register(tb, "update", "Replace the configuration of a VM; the transcript carries a diff", eng.Update),
		register(tb, "start", "Launch the hypervisor for a stopped VM", eng.Start),
		register(tb, "stop", "Quit the hypervisor of a running VM", eng.Stop),
		register(tb, "reset", "Hard-reset a running VM", eng.Reset),
		register(tb, "powerdown", "Send an ACPI power button event to a running VM", eng.Powerdown),
		register(tb, "mount-media", "Insert an ISO from the ISO directory into the removable drive", eng.MountMedia),
		register(tb, "unmount-media", "Eject the removable drive", eng.UnmountMedia),
		register(tb, "migrate", "Start a live migration to another host", eng.Migrate),
		register(tb, "backup", "Stream the VM state into a compressed file", eng.Backup),
		register(tb, "delete", "Delete a VM record and release its disks", eng.Delete),
		register(tb, "list", "List every VM record", func(ctx context.Context, _ noParams) (string, error) {
			records, err := eng.List(ctx)
			if err != nil {
				return "", err
			}
			return engine.JSON(records)
		}),
		register(tb, "inspect", "Show a VM record and its live hypervisor state", func(ctx context.Context, req engine.VMRequest) (string, error) {
			insp, err := eng.Inspect(ctx, req)
			if err != nil {
				return "", err
			}
			return engine.JSON(insp)
		}),
		register(tb, "create-disk", "Create a qcow2 disk in the disk directory", eng.CreateDisk),
		register(tb, "resize-disk", "Grow a disk", eng.ResizeDisk),
		register(tb, "delete-disk", "Delete a disk no VM owns", eng.DeleteDisk),
		register(tb, "list-disks", "List every disk record", func(ctx context.Context, _ noParams) (string, error) {
			disks, err := eng.ListDisks(ctx)
			if err != nil {
				return "", err
			}
			return engine.JSON(disks)
		}),
		register(tb, "console-start", "Publish the display of a running VM on its console port through a websocket proxy", eng.ConsoleStart),
		register(tb, "console-stop", "Stop the console proxy of a VM", eng.ConsoleStop),
	}
	if err := errors.Join(regs...); err != nil {
		return nil, err
	}
	return tb, nil
}

func register[Req any](tb *Toolbox, name, description string, fn func(context.Context, Req) (string, error)) error {
	sch := Schema(new(Req))
	sch.Title = name
	sch.Description = description

	raw, err := json.Marshal(sch)
	if err != nil {
		return errors.Errorf("marshalling schema for %s: %w", name, err)
	}

	tb.tools.Set(name, &Tool{
		Name:        name,
		Description: description,
		Schema:      raw,
		call: func(ctx context.Context, params json.RawMessage) (string, error) {
			var req Req
			if len(bytes.TrimSpace(params)) > 0 && !bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
				dec := json.NewDecoder(bytes.NewReader(params))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&req); err != nil {
					return "", errors.Errorf("%w: decoding %s parameters: %w", vm.ErrConfiguration, name, err)
				}
			}
			return fn(ctx, req)
		},
	})
	return nil
}

// Schema reflects the input schema of a request type.
func Schema(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(v)
}

// Tools returns the tools in registration order.
func (tb *Toolbox) Tools() []*Tool {
	out := make([]*Tool, 0, tb.tools.Len())
	for pair := tb.tools.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Call runs the named tool with JSON parameters.
func (tb *Toolbox) Call(ctx context.Context, name string, params json.RawMessage) (string, error) {
	tool, ok := tb.tools.Get(name)
	if !ok {
		return "", errors.Errorf("%w: unknown tool %q", vm.ErrNotFound, name)
	}
	zerolog.Ctx(ctx).Debug().Str("tool", name).Msg("calling tool")
	return tool.call(ctx, params)
}

// MCPServer exposes every tool over the model context protocol.
func (tb *Toolbox) MCPServer(name, version string) *server.MCPServer {
	srv := server.NewMCPServer(name, version, server.WithLogging())
	for _, tool := range tb.Tools() {
		srv.AddTool(mcp.NewToolWithRawSchema(tool.Name, tool.Description, tool.Schema), tb.handler(tool))
	}
	return srv
}

func (tb *Toolbox) handler(tool *Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return nil, errors.Errorf("marshalling arguments: %w", err)
		}
		out, err := tool.call(ctx, params)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("tool", tool.Name).Msg("tool failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(vm.Kind(err) + ": " + err.Error())},
				IsError: true,
			}, nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
