package preview

import (
	"strings"

	"ivory/internal/agent/ports"
)

const (
	briefMaxLines = 12
	briefMaxBytes = 2048
	fullMaxBytes  = 100 * 1024
)

// Service turns tool results into previews on a best-effort basis. A missing
// preview never blocks anything; the transport asks again on demand.
type Service struct {
	manager *Manager
}

func NewService(manager *Manager) *Service {
	return &Service{manager: manager}
}

// GenerateForResult builds and stores the preview for a completed execution.
// Returns nil when the tool output has nothing worth previewing.
func (s *Service) GenerateForResult(sessionID, executionID, toolID string, result *ports.ToolResult) *Preview {
	if result == nil {
		return nil
	}

	switch toolID {
	case "file_edit":
		original, _ := result.Metadata["original_content"].(string)
		updated, _ := result.Metadata["new_content"].(string)
		path, _ := result.Metadata["display_path"].(string)
		return s.diffPreview(sessionID, executionID, "", original, updated, path)
	case "file_write":
		updated, _ := result.Metadata["new_content"].(string)
		path, _ := result.Metadata["display_path"].(string)
		return s.diffPreview(sessionID, executionID, "", "", updated, path)
	case "file_read":
		return s.textPreview(sessionID, executionID, ContentCode, result.Content)
	case "list_files", "dir_map":
		return s.textPreview(sessionID, executionID, ContentDirectory, result.Content)
	default:
		return s.textPreview(sessionID, executionID, ContentText, result.Content)
	}
}

// GenerateForPermission builds the preview shown while an execution waits
// for approval, keyed to the pending permission request.
func (s *Service) GenerateForPermission(sessionID, executionID, permissionID, toolID string, args map[string]any) *Preview {
	switch toolID {
	case "file_write":
		content, _ := args["content"].(string)
		path, _ := args["path"].(string)
		return s.diffPreview(sessionID, executionID, permissionID, "", content, path)
	case "file_edit":
		search, _ := args["search_code"].(string)
		replace, _ := args["replace_code"].(string)
		path, _ := args["path"].(string)
		return s.diffPreview(sessionID, executionID, permissionID, search, replace, path)
	case "bash":
		command, _ := args["command"].(string)
		if command == "" {
			return nil
		}
		return s.store(sessionID, executionID, permissionID, ContentText, command, "", nil)
	default:
		return nil
	}
}

func (s *Service) diffPreview(sessionID, executionID, permissionID, original, updated, path string) *Preview {
	diff := GenerateUnified(original, updated, path)
	if diff.UnifiedDiff == "" {
		return nil
	}
	metadata := map[string]any{
		"path":          path,
		"added_lines":   diff.AddedLines,
		"deleted_lines": diff.DeletedLines,
		"summary":       diff.FormatSummary(),
	}
	brief := truncate(diff.UnifiedDiff, briefMaxLines, briefMaxBytes)
	full := diff.UnifiedDiff
	if len(full) > fullMaxBytes {
		full = full[:fullMaxBytes]
	}
	return s.store(sessionID, executionID, permissionID, ContentDiff, brief, full, metadata)
}

func (s *Service) textPreview(sessionID, executionID string, contentType ContentType, content string) *Preview {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	brief := truncate(content, briefMaxLines, briefMaxBytes)
	full := content
	if len(full) > fullMaxBytes {
		full = full[:fullMaxBytes]
	}
	if full == brief {
		full = ""
	}
	return s.store(sessionID, executionID, "", contentType, brief, full, nil)
}

func (s *Service) store(sessionID, executionID, permissionID string, contentType ContentType, brief, full string, metadata map[string]any) *Preview {
	if permissionID != "" {
		return s.manager.CreatePermissionPreview(sessionID, executionID, permissionID, contentType, brief, full, metadata)
	}
	return s.manager.CreatePreview(sessionID, executionID, contentType, brief, full, metadata)
}

func truncate(content string, maxLines, maxBytes int) string {
	lines := strings.Split(content, "\n")
	truncated := false
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		truncated = true
	}
	out := strings.Join(lines, "\n")
	if len(out) > maxBytes {
		out = out[:maxBytes]
		truncated = true
	}
	if truncated {
		out += "\n..."
	}
	return out
}
