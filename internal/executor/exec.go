package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/flow"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// cappedBuffer truncates writes beyond limit, recording that truncation
// happened without growing unbounded.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// runExec spawns the task's command in a shell, streaming stdout/stderr
// into byte-capped buffers, and enforces a timeout.
func (e *Executor) runExec(ctx context.Context, task flow.Task, tpl *binding.Template, timeout time.Duration) Result {
	action := task.Exec

	command, err := tpl.Resolve(action.Command)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, shellFlag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, shellFlag = "cmd", "/C"
	}

	cmd := exec.CommandContext(ctx, shell, shellFlag, command)
	if action.Cwd != "" {
		cmd.Dir = action.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range action.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout := &cappedBuffer{limit: maxBodyBytes}
	stderr := &cappedBuffer{limit: maxBodyBytes}
	cmd.Stdout = io.Writer(stdout)
	cmd.Stderr = io.Writer(stderr)

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return Result{Success: false, Error: (&nikaerrors.ValidationError{
			Code: nikaerrors.CodeExecTimeout, Field: "exec",
			Message: fmt.Sprintf("command timed out after %s", timeout),
		}).Error()}
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Success: false, Error: (&nikaerrors.ValidationError{
				Code: nikaerrors.CodeExecSpawnFailure, Field: "exec",
				Message: runErr.Error(),
			}).Error()}
		}
	}

	output := map[string]any{
		"stdout": stdout.buf.String(), "stderr": stderr.buf.String(), "exit_code": exitCode,
	}

	if exitCode != 0 {
		return Result{Success: false, Output: output, Error: (&nikaerrors.ValidationError{
			Code: nikaerrors.CodeExecNonZeroExit, Field: "exec",
			Message: fmt.Sprintf("command exited %d", exitCode),
		}).Error()}
	}

	return Result{Success: true, Output: output}
}
