// ABOUTME: Sandboxed file tools confined to allow-listed workspace directories
// ABOUTME: Writes keep a timestamped backup of the previous content; project tools are confined per project

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxReadBytes caps file content returned to a worker.
const maxReadBytes = 1 << 20

// sandbox resolves worker-supplied relative paths under root.
type sandbox struct {
	root    string
	allowed []string // cleaned, OS-separated; nil allows the whole root
}

func newSandbox(root string, allowed []string) *sandbox {
	s := &sandbox{root: root}
	for _, a := range allowed {
		s.allowed = append(s.allowed, filepath.Clean(filepath.FromSlash(a)))
	}
	return s
}

// resolve returns the absolute path for rel, rejecting absolute paths,
// escapes, paths outside the allow-list, and symlinks leading out of root.
func (s *sandbox) resolve(rel string) (string, error) {
	trimmed := strings.TrimSpace(rel)
	if trimmed == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidInput)
	}
	if filepath.IsAbs(trimmed) || strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("%w: %s is not a relative path", ErrAccessDenied, rel)
	}

	clean := filepath.Clean(filepath.FromSlash(trimmed))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the workspace", ErrAccessDenied, rel)
	}
	if !s.permits(clean) {
		return "", fmt.Errorf("%w: %s is not in allowed paths", ErrAccessDenied, rel)
	}

	full := filepath.Join(s.root, clean)
	if err := s.checkLinks(full); err != nil {
		return "", err
	}
	return full, nil
}

func (s *sandbox) permits(clean string) bool {
	if s.allowed == nil {
		return true
	}
	for _, a := range s.allowed {
		if clean == a || strings.HasPrefix(clean, a+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// checkLinks resolves the deepest existing ancestor of full and requires it
// to stay within root.
func (s *sandbox) checkLinks(full string) error {
	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		// A root that does not exist yet cannot contain links.
		return nil
	}
	p := full
	for {
		if _, err := os.Lstat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			return nil
		}
		p = parent
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", p, err)
	}
	if !pathWithinBase(realRoot, resolved) {
		return fmt.Errorf("%w: path leaves the workspace through a symlink", ErrAccessDenied)
	}
	return nil
}

func pathWithinBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// backupFile copies path into dir as <base>.<unixms>.bak. It returns "" when
// there is nothing to back up.
func backupFile(path, dir string) (string, error) {
	src, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("opening %s for backup: %w", path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	name := fmt.Sprintf("%s.%d.bak", filepath.Base(path), time.Now().UnixMilli())
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("creating backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("writing backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("closing backup: %w", err)
	}
	return dst.Name(), nil
}

type readResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func readCapped(path, display string) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", display, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", display, err)
	}
	res := readResult{Path: display}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		res.Truncated = true
	}
	res.Content = string(data)
	return json.Marshal(res)
}

type writeResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Backup  string `json:"backup,omitempty"`
	Bytes   int    `json:"bytes"`
}

func writeWithBackup(path, display, content, backups string) (json.RawMessage, error) {
	backup, err := backupFile(path, backups)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent dirs for %s: %w", display, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", display, err)
	}
	return json.Marshal(writeResult{Success: true, Path: display, Backup: backup, Bytes: len(content)})
}

type fileTools struct {
	sandbox *sandbox
	backups string
	logger  *slog.Logger
}

func (f *fileTools) tools() []*Tool {
	return []*Tool{
		{
			Name:        "file_system_read",
			Description: "Read a file from an allowed workspace directory",
			InputSchema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
			Handler:     f.Read,
		},
		{
			Name:        "file_system_write",
			Description: "Write a file in an allowed workspace directory, backing up any previous content",
			InputSchema: `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`,
			Handler:     f.Write,
		},
		{
			Name:        "file_system_list",
			Description: "List the entries of an allowed workspace directory",
			InputSchema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
			Handler:     f.List,
		},
	}
}

type pathInput struct {
	Path string `json:"path"`
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (f *fileTools) Read(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in pathInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	full, err := f.sandbox.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	return readCapped(full, in.Path)
}

func (f *fileTools) Write(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in writeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	full, err := f.sandbox.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	out, err := writeWithBackup(full, in.Path, in.Content, f.backups)
	if err != nil {
		return nil, err
	}
	f.logger.Info("agent wrote file", "agent_id", agentID, "path", in.Path)
	return out, nil
}

type dirEntry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	IsFile      bool   `json:"isFile"`
}

func (f *fileTools) List(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in pathInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	full, err := f.sandbox.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	return listDir(full, in.Path)
}

func listDir(path, display string) (json.RawMessage, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", display, err)
	}
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, dirEntry{
			Name:        e.Name(),
			IsDirectory: e.IsDir(),
			IsFile:      e.Type().IsRegular(),
		})
	}
	return json.Marshal(map[string]any{"path": display, "entries": out})
}

// projectTools give workers read/write access inside one project directory.
type projectTools struct {
	root    string
	backups string
	logger  *slog.Logger
}

func (p *projectTools) tools() []*Tool {
	return []*Tool{
		{
			Name:        "read_project_file",
			Description: "Read a file inside a project",
			InputSchema: `{"type":"object","properties":{"projectId":{"type":"string"},"path":{"type":"string"}},"required":["projectId","path"]}`,
			Handler:     p.Read,
		},
		{
			Name:        "write_project_file",
			Description: "Write a file inside a project, backing up any previous content",
			InputSchema: `{"type":"object","properties":{"projectId":{"type":"string"},"path":{"type":"string"},"content":{"type":"string"}},"required":["projectId","path","content"]}`,
			Handler:     p.Write,
		},
		{
			Name:        "list_project_files",
			Description: "List a directory inside a project",
			InputSchema: `{"type":"object","properties":{"projectId":{"type":"string"},"path":{"type":"string"}},"required":["projectId"]}`,
			Handler:     p.List,
		},
	}
}

type projectInput struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// resolve confines path to root/<projectId>.
func (p *projectTools) resolve(in projectInput) (string, error) {
	id := strings.TrimSpace(in.ProjectID)
	if id == "" {
		return "", fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: invalid project id %q", ErrAccessDenied, in.ProjectID)
	}
	sb := newSandbox(filepath.Join(p.root, id), nil)
	return sb.resolve(in.Path)
}

func (p *projectTools) Read(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in projectInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	full, err := p.resolve(in)
	if err != nil {
		return nil, err
	}
	return readCapped(full, in.Path)
}

func (p *projectTools) Write(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in projectInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	full, err := p.resolve(in)
	if err != nil {
		return nil, err
	}
	out, err := writeWithBackup(full, in.Path, in.Content, p.backups)
	if err != nil {
		return nil, err
	}
	p.logger.Info("agent wrote project file", "agent_id", agentID, "project_id", in.ProjectID, "path", in.Path)
	return out, nil
}

func (p *projectTools) List(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in projectInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		in.Path = "."
	}
	full, err := p.resolve(in)
	if err != nil {
		return nil, err
	}
	return listDir(full, in.Path)
}
