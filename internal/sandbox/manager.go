// Package sandbox manages per-thread Docker containers for code execution.
// Each conversation gets one long-lived container; executions run as docker
// execs inside it so interpreter state (variables, imports) persists across
// tool calls. New files in the artifact staging directory are detected by
// snapshot diff around each execution and handed to the artifact registry.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
)

const (
	artifactsMount = "/session/artifacts"
	workMount      = "/session/work"
	heavyDataMount = "/heavy_data"
	datasetDir     = "/data"

	maxOutputBytes = 256 * 1024 // per stream, tail beyond this is dropped
)

// ErrSessionLimit is returned by Start when the session ceiling is reached
// and no idle session can be evicted.
var ErrSessionLimit = errors.New("sandbox: session limit reached")

// Config controls container creation.
type Config struct {
	Image        string
	Storage      string // "ephemeral" (tmpfs work dir) or "persistent" (bind)
	SessionsRoot string // host directory for per-session state
	TmpfsSizeMB  int64
	Network      string // docker network to join; "" for the default
	HeavyData    string // host path mounted read-only at /heavy_data; "" disables
	MemoryMB     int64  // container memory limit; 0 for the default
	CPUs         float64
	MaxSessions  int
	ExecTimeout  time.Duration
}

// ExecResult is the outcome of one code execution.
type ExecResult struct {
	OK        bool                   `json:"ok"`
	Stdout    string                 `json:"stdout"`
	Stderr    string                 `json:"stderr"`
	Error     string                 `json:"error,omitempty"`
	Artifacts []artifacts.Descriptor `json:"artifacts,omitempty"`
}

type session struct {
	key         string
	containerID string
	stagingDir  string
	lastUsed    time.Time
}

// Manager owns the Docker client and the session table.
type Manager struct {
	cfg      Config
	cli      *client.Client
	registry *artifacts.Registry

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager connects to the Docker daemon and verifies it responds.
func NewManager(cfg Config, registry *artifacts.Registry) (*Manager, error) {
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = 2
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 32
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 120 * time.Second
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: docker unreachable: %w", err)
	}
	return &Manager{cfg: cfg, cli: cli, registry: registry, sessions: make(map[string]*session)}, nil
}

// Start ensures a running container exists for key. Safe to call
// repeatedly; a live session is reused, a dead one is replaced.
func (m *Manager) Start(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.ensureLocked(ctx, key)
	return err
}

// StagingDir returns the host staging directory bound at /session/artifacts
// for key. The session does not need to be started.
func (m *Manager) StagingDir(key string) string {
	return filepath.Join(m.cfg.SessionsRoot, key, "artifacts")
}

func (m *Manager) ensureLocked(ctx context.Context, key string) (*session, error) {
	if sess, ok := m.sessions[key]; ok {
		inspect, err := m.cli.ContainerInspect(ctx, sess.containerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			sess.lastUsed = time.Now()
			return sess, nil
		}
		slog.Warn("sandbox container gone, recreating", "session", key)
		m.removeLocked(ctx, sess)
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		if !m.evictIdleLocked(ctx) {
			return nil, ErrSessionLimit
		}
	}

	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	staging := m.StagingDir(key)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create staging dir: %w", err)
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: staging,
		Target: artifactsMount,
	}}
	switch m.cfg.Storage {
	case "persistent":
		work := filepath.Join(m.cfg.SessionsRoot, key, "work")
		if err := os.MkdirAll(work, 0o755); err != nil {
			return nil, fmt.Errorf("sandbox: create work dir: %w", err)
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: work, Target: workMount})
	default: // ephemeral
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeTmpfs,
			Target: workMount,
			TmpfsOptions: &mount.TmpfsOptions{
				SizeBytes: m.cfg.TmpfsSizeMB * 1024 * 1024,
			},
		})
	}
	if m.cfg.HeavyData != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.cfg.HeavyData,
			Target:   heavyDataMount,
			ReadOnly: true,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   m.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(m.cfg.CPUs * 1e9),
		},
	}
	if m.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(m.cfg.Network)
	}

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image:      m.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workMount,
		Env:        []string{"PYTHONUNBUFFERED=1"},
		Labels:     map[string]string{"agentdesk.session": key},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	sess := &session{key: key, containerID: resp.ID, stagingDir: staging, lastUsed: time.Now()}
	m.sessions[key] = sess
	slog.Info("sandbox session started", "session", key, "container", resp.ID[:12])
	return sess, nil
}

func (m *Manager) ensureImage(ctx context.Context) error {
	images, err := m.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: list images: %w", err)
	}
	for _, img := range images {
		if slices.Contains(img.RepoTags, m.cfg.Image) {
			return nil
		}
	}
	slog.Info("pulling sandbox image", "image", m.cfg.Image)
	reader, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("sandbox: pull image: %w", err)
	}
	return nil
}

// evictIdleLocked stops the least recently used session. Returns false when
// the table is empty.
func (m *Manager) evictIdleLocked(ctx context.Context) bool {
	var oldest *session
	for _, s := range m.sessions {
		if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
			oldest = s
		}
	}
	if oldest == nil {
		return false
	}
	slog.Info("evicting idle sandbox session", "session", oldest.key)
	m.removeLocked(ctx, oldest)
	return true
}

func (m *Manager) removeLocked(ctx context.Context, sess *session) {
	if err := m.cli.ContainerRemove(ctx, sess.containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("container remove failed", "session", sess.key, "error", err)
	}
	delete(m.sessions, sess.key)
}

// Exec runs Python code in the session's container with a wall-clock
// timeout (the configured default when timeout is zero), then ingests any
// files that appeared in the staging directory. A timed-out run still has
// its output collected: files written before the deadline become artifacts.
// Execution failures (non-zero exit, timeout) come back in the result, not
// as an error; errors mean the sandbox itself misbehaved.
func (m *Manager) Exec(ctx context.Context, key, code string, timeout time.Duration, threadID uuid.UUID, runID, toolCallID string) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = m.cfg.ExecTimeout
	}
	m.mu.Lock()
	sess, err := m.ensureLocked(ctx, key)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	before, err := snapshotDir(sess.stagingDir)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := m.exec(execCtx, sess.containerID, []string{"python3", "-c", code})
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded)
	if err != nil && !timedOut {
		return nil, err
	}

	result := &ExecResult{OK: !timedOut && exitCode == 0, Stdout: stdout, Stderr: stderr}
	switch {
	case timedOut:
		result.Error = fmt.Sprintf("TimeoutError: execution exceeded %s", timeout)
	case exitCode != 0:
		result.Error = tail(stderr, 2000)
	}
	// Ingest on the caller's context, not the exec context: after a timeout
	// the staging directory must still be drained or its files would leak
	// into every subsequent before-snapshot and never surface.
	if err := m.collectArtifacts(ctx, sess.stagingDir, before, threadID, key, runID, toolCallID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// collectArtifacts diffs the staging directory against the pre-run snapshot
// and ingests whatever appeared, attaching descriptors to result.
func (m *Manager) collectArtifacts(ctx context.Context, stagingDir string, before map[string]bool, threadID uuid.UUID, sessionKey, runID, toolCallID string, result *ExecResult) error {
	after, err := snapshotDir(stagingDir)
	if err != nil {
		return err
	}
	newFiles := diffSnapshots(before, after)
	if len(newFiles) == 0 {
		return nil
	}
	descs, err := m.registry.Ingest(ctx, threadID, sessionKey, runID, toolCallID, newFiles)
	if err != nil {
		return fmt.Errorf("sandbox: ingest artifacts: %w", err)
	}
	result.Artifacts = descs
	return nil
}

// exec runs a command in the container and returns demuxed output and the
// exit code.
func (m *Manager) exec(ctx context.Context, containerID string, cmd []string) (string, string, int, error) {
	execResp, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("sandbox: exec create: %w", err)
	}
	attach, err := m.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr limitedBuffer
	stdout.limit = maxOutputBytes
	stderr.limit = maxOutputBytes
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(), 0, ctx.Err()
		}
		return "", "", 0, fmt.Errorf("sandbox: read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", "", 0, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// HasHeavyDataset reports whether the dataset is already available under
// /heavy_data inside the session container.
func (m *Manager) HasHeavyDataset(ctx context.Context, key, datasetID string) (bool, error) {
	m.mu.Lock()
	sess, err := m.ensureLocked(ctx, key)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	path := heavyDataMount + "/" + datasetID + ".parquet"
	_, _, exitCode, err := m.exec(ctx, sess.containerID, []string{"test", "-f", path})
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

// StageDataset writes data into the session container at
// /data/<datasetID>.parquet and returns that path.
func (m *Manager) StageDataset(ctx context.Context, key, datasetID string, data []byte) (string, error) {
	m.mu.Lock()
	sess, err := m.ensureLocked(ctx, key)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	if _, _, exitCode, err := m.exec(ctx, sess.containerID, []string{"mkdir", "-p", datasetDir}); err != nil {
		return "", err
	} else if exitCode != 0 {
		return "", fmt.Errorf("sandbox: mkdir %s failed", datasetDir)
	}

	archive, err := tarSingleFile(datasetID+".parquet", data)
	if err != nil {
		return "", err
	}
	if err := m.cli.CopyToContainer(ctx, sess.containerID, datasetDir, archive,
		container.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: copy dataset: %w", err)
	}
	return datasetDir + "/" + datasetID + ".parquet", nil
}

// Stop tears down the session for key, if any.
func (m *Manager) Stop(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok {
		m.removeLocked(ctx, sess)
	}
}

// Close stops every session and releases the Docker client.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	for _, sess := range m.sessions {
		m.removeLocked(ctx, sess)
	}
	m.mu.Unlock()
	return m.cli.Close()
}

// snapshotDir lists regular files under dir, recursively.
func snapshotDir(dir string) (map[string]bool, error) {
	files := make(map[string]bool)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files[path] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: snapshot %s: %w", dir, err)
	}
	return files, nil
}

// diffSnapshots returns paths present in after but not before, sorted so
// ingest order is deterministic.
func diffSnapshots(before, after map[string]bool) []string {
	var added []string
	for path := range after {
		if !before[path] {
			added = append(added, path)
		}
	}
	sort.Strings(added)
	return added
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
