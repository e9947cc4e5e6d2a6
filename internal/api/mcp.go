package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/notesync/internal/note"
	"github.com/kalambet/notesync/internal/notesync"
)

// NoteSynchronizer is the part of the synchronizer the MCP layer drives.
type NoteSynchronizer interface {
	Notes() []note.Record
	Add(ctx context.Context, topic, content string, opts note.Options) (note.Record, error)
	Update(ctx context.Context, localID string, patch note.Patch) (note.Record, error)
	ToggleSave(ctx context.Context, localID string) (note.Record, error)
	Delete(ctx context.Context, localID string) error
	RefreshFromRemote(ctx context.Context) (notesync.ReconcileResult, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Notes   NoteSynchronizer
	Version string
}

const collectionURI = "notes://collection"

// NewMCPServer creates an MCP server with the note tools and the collection
// resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"notesync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notesync: offline-first notes. Changes are stored locally first and synced when signed in."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_notes",
			mcp.WithDescription("List notes, newest first."),
			mcp.WithBoolean("saved_only", mcp.Description("Only return notes marked as saved")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of notes (default 20)")),
		),
		mcpListNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Create a note. It is stored locally immediately and uploaded when signed in."),
			mcp.WithString("topic", mcp.Description("Note topic"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Note body"), mcp.Required()),
			mcp.WithString("summary", mcp.Description("Optional summary")),
			mcp.WithArray("key_points", mcp.Description("Optional key points"), mcp.WithStringItems()),
			mcp.WithString("source", mcp.Description("Where the note came from")),
			mcp.WithString("language", mcp.Description("Language tag, e.g. en")),
			mcp.WithString("image_uri", mcp.Description("Optional image reference")),
		),
		mcpAddNote(deps),
	)

	s.AddTool(
		mcp.NewTool("update_note",
			mcp.WithDescription("Change fields of an existing note. Omitted fields are left alone."),
			mcp.WithString("local_id", mcp.Description("Local id of the note"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("New topic")),
			mcp.WithString("content", mcp.Description("New body")),
			mcp.WithString("summary", mcp.Description("New summary")),
			mcp.WithArray("key_points", mcp.Description("New key points"), mcp.WithStringItems()),
			mcp.WithString("source", mcp.Description("New source")),
			mcp.WithString("language", mcp.Description("New language tag")),
		),
		mcpUpdateNote(deps),
	)

	s.AddTool(
		mcp.NewTool("toggle_save",
			mcp.WithDescription("Flip the saved flag of a note."),
			mcp.WithString("local_id", mcp.Description("Local id of the note"), mcp.Required()),
		),
		mcpToggleSave(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_note",
			mcp.WithDescription("Delete a note locally and, when synced, remotely."),
			mcp.WithString("local_id", mcp.Description("Local id of the note"), mcp.Required()),
		),
		mcpDeleteNote(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_notes",
			mcp.WithDescription("Reconcile local notes with the remote store for the signed-in owner."),
		),
		mcpSyncNotes(deps),
	)

	s.AddResource(
		mcp.NewResource(
			collectionURI,
			"Notes",
			mcp.WithResourceDescription("The full local note collection as JSON, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCollection(deps),
	)

	return s
}

func mcpListNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		savedOnly := req.GetBool("saved_only", false)
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		out := make([]note.Record, 0, limit)
		for _, r := range deps.Notes.Notes() {
			if savedOnly && !r.IsSaved {
				continue
			}
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
		return mcpJSON(out)
	}
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		rec, err := deps.Notes.Add(ctx, topic, content, note.Options{
			Summary:   req.GetString("summary", ""),
			KeyPoints: req.GetStringSlice("key_points", nil),
			Source:    req.GetString("source", "mcp"),
			Language:  req.GetString("language", ""),
			ImageURI:  req.GetString("image_uri", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add note: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpUpdateNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("local_id")
		if err != nil {
			return mcpError("local_id is required"), nil
		}

		args := req.GetArguments()
		var patch note.Patch
		str := func(key string) *string {
			if _, ok := args[key]; !ok {
				return nil
			}
			v := req.GetString(key, "")
			return &v
		}
		patch.Topic = str("topic")
		patch.Content = str("content")
		patch.Summary = str("summary")
		patch.Source = str("source")
		patch.Language = str("language")
		if _, ok := args["key_points"]; ok {
			points := req.GetStringSlice("key_points", nil)
			patch.KeyPoints = &points
		}
		if patch.Empty() {
			return mcpError("nothing to update"), nil
		}

		rec, err := deps.Notes.Update(ctx, id, patch)
		if err != nil {
			return mcpError(noteErrorMessage("update", id, err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpToggleSave(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("local_id")
		if err != nil {
			return mcpError("local_id is required"), nil
		}
		rec, err := deps.Notes.ToggleSave(ctx, id)
		if err != nil {
			return mcpError(noteErrorMessage("toggle", id, err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpDeleteNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("local_id")
		if err != nil {
			return mcpError("local_id is required"), nil
		}
		if err := deps.Notes.Delete(ctx, id); err != nil {
			return mcpError(noteErrorMessage("delete", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted note %s", id)), nil
	}
}

func mcpSyncNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Notes.RefreshFromRemote(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		if res.Skipped {
			return mcpText("Sync skipped: not signed in or already syncing"), nil
		}
		return mcpText(fmt.Sprintf("Synced %d notes (%d uploaded, %d failed)", res.Total, res.Uploaded, res.Failed)), nil
	}
}

func mcpResourceCollection(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		notes := deps.Notes.Notes()
		if notes == nil {
			notes = []note.Record{}
		}
		b, err := json.Marshal(notes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func noteErrorMessage(action, id string, err error) string {
	if errors.Is(err, note.ErrNotFound) {
		return fmt.Sprintf("note %s not found", id)
	}
	return fmt.Sprintf("failed to %s note %s: %v", action, id, err)
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
