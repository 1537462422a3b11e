package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/chromadesk/chromadesk-build/internal/executil"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

const (
	containerWorkspace = "/workspace"
	containerBinary    = "/usr/local/bin/chromadesk-build"
)

var (
	errContainerExit = errors.New("container exited with a non-zero status")

	containerNameReplacer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)
)

// DockerExecutor runs each job in a fresh container of the environment's image.
// The workspace and the build binary are bind-mounted; the binary must be statically linked.
type DockerExecutor struct {
	client *client.Client
	binary string
}

// NewDockerExecutor connects to the Docker daemon configured by the environment.
func NewDockerExecutor(binary string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerExecutor{
		client: cli,
		binary: binary,
	}, nil
}

// Close releases the daemon connection.
func (e *DockerExecutor) Close() error {
	return e.client.Close()
}

// Name implements Executor.
func (e *DockerExecutor) Name() string {
	return ExecutorDocker
}

// Execute implements Executor.
func (e *DockerExecutor) Execute(ctx context.Context, job *Job) error {
	env := job.Environment

	if err := e.pull(ctx, env.Image); err != nil {
		return err
	}

	name := fmt.Sprintf("chromadesk-build-%s-%d",
		containerNameReplacer.ReplaceAllString(env.Tag, "-"), time.Now().UnixNano())

	created, err := e.client.ContainerCreate(ctx,
		&container.Config{
			Image:      env.Image,
			Cmd:        []string{"/bin/sh", "-c", containerScript(env.Setup, job.Args, os.Getuid(), os.Getgid())},
			Env:        []string{"DEBIAN_FRONTEND=noninteractive"},
			WorkingDir: containerWorkspace,
		},
		&container.HostConfig{
			Binds: []string{
				job.Workspace + ":" + containerWorkspace,
				e.binary + ":" + containerBinary + ":ro",
			},
		},
		nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container for %s: %w", env.Tag, err)
	}

	defer func() {
		// The container must go even when ctx is already cancelled.
		removeCtx := context.WithoutCancel(ctx)
		if removeErr := e.client.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			logger.WarnKV(ctx, "Failed to remove container", "id", created.ID, "error", removeErr)
		}
	}()

	if err = e.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container for %s: %w", env.Tag, err)
	}

	logger.InfoKV(ctx, "Container started", "name", name, "image", env.Image)

	exitCode, err := e.wait(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("wait for container %s: %w", name, err)
	}

	if exitCode == 0 {
		return nil
	}

	return &executil.ToolError{
		Command:  fmt.Sprintf("docker run %s (%s)", env.Image, env.Tag),
		ExitCode: exitCode,
		Output:   e.logs(ctx, created.ID),
		Err:      errContainerExit,
	}
}

func (e *DockerExecutor) pull(ctx context.Context, ref string) error {
	logger.InfoKV(ctx, "Pulling image", "image", ref)

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}

	defer func() {
		_ = reader.Close()
	}()

	// The pull completes only once the progress stream is drained.
	if _, err = io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}

	return nil
}

func (e *DockerExecutor) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, errors.New(status.Error.Message)
		}

		return int(status.StatusCode), nil
	}
}

// logs returns the container's combined output, or a note when it cannot be read.
func (e *DockerExecutor) logs(ctx context.Context, id string) string {
	reader, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "logs unavailable: " + err.Error()
	}

	defer func() {
		_ = reader.Close()
	}()

	var stdout, stderr bytes.Buffer
	if _, err = stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "logs unavailable: " + err.Error()
	}

	result := executil.Result{Stdout: stdout.String(), Stderr: stderr.String()}

	return result.Output()
}

// containerScript runs the setup steps and the build, then hands the workspace back to the host user.
func containerScript(setup, args []string, uid, gid int) string {
	var script strings.Builder

	script.WriteString("set -e\n")

	for _, step := range setup {
		script.WriteString(step)
		script.WriteString("\n")
	}

	script.WriteString("set +e\n")
	script.WriteString(containerBinary)

	for _, arg := range args {
		script.WriteString(" ")
		script.WriteString(shellQuote(arg))
	}

	fmt.Fprintf(&script, "\nstatus=$?\nchown -R %d:%d %s\nexit $status\n", uid, gid, containerWorkspace)

	return script.String()
}

func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
