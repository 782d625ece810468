package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

type workspaceRequest struct {
	WorkspacePath string `json:"workspace_path" binding:"required"`
	WorkflowID    string `json:"workflow_id" binding:"required"`
	UserID        string `json:"user_id" binding:"required"`
	Path          string `json:"path"`
	FilePath      string `json:"file_path"`
}

// admit checks spec.md §6's temp-workspace admission rule: workflow_id
// must belong to the caller, and workspace_path must resolve, with no
// "..", to somewhere under the isolated-workspace parent prefix.
func (h *handler) admit(c *gin.Context, req workspaceRequest) (string, bool) {
	owns, err := h.deps.CheckOwnership(c.Request.Context(), req.WorkflowID, req.UserID)
	if err != nil || !owns {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "Forbidden", "message": "caller does not own this workflow"}})
		return "", false
	}

	resolved, err := filepath.Abs(req.WorkspacePath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": "invalid workspace_path"}})
		return "", false
	}

	root := filepath.Clean(h.deps.Workspace.TempRoot())
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "Forbidden", "message": "workspace_path does not resolve under the isolated workspace root"}})
		return "", false
	}
	firstComponent := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	if !strings.HasPrefix(firstComponent, isolatedPrefix) {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "Forbidden", "message": "workspace_path is not an isolated execution workspace"}})
		return "", false
	}

	return resolved, true
}

const isolatedPrefix = "orchestration_isolated_"

func (h *handler) browseWorkspace(c *gin.Context) {
	var req workspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}
	root, ok := h.admit(c, req)
	if !ok {
		return
	}

	target := root
	if req.Path != "" {
		target = filepath.Join(root, filepath.Clean("/"+req.Path))
	}
	if !withinRoot(root, target) {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "Forbidden", "message": "path escapes the workspace root"}})
		return
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NotFound", "message": err.Error()}})
		return
	}

	type node struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
	}
	out := make([]node, 0, len(entries))
	for _, e := range entries {
		out = append(out, node{Name: e.Name(), IsDir: e.IsDir()})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (h *handler) readWorkspaceFile(c *gin.Context) {
	var req workspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": err.Error()}})
		return
	}
	if req.FilePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "Validation", "message": "file_path is required"}})
		return
	}
	root, ok := h.admit(c, req)
	if !ok {
		return
	}

	target := filepath.Join(root, filepath.Clean("/"+req.FilePath))
	if !withinRoot(root, target) {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "Forbidden", "message": "file_path escapes the workspace root"}})
		return
	}

	content, err := os.ReadFile(target)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NotFound", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": string(content)})
}

func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
