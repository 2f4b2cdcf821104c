package common

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
)

// Command is one subprocess invocation.
type Command struct {
	Dir  string
	Env  map[string]string // added to the process environment
	Name string
	Args []string
}

// ShellCommand runs script with /bin/sh -c.
func ShellCommand(dir, script string, env map[string]string) Command {
	return Command{Dir: dir, Env: env, Name: "/bin/sh", Args: []string{"-c", script}}
}

// CommandRunner executes a command and returns its exit code and combined
// output. err is set only when the process could not be run at all.
type CommandRunner func(ctx context.Context, cmd Command) (int, string, error)

// RunCommand is the default CommandRunner.
func RunCommand(ctx context.Context, c Command) (int, string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+c.Env[k])
		}
		cmd.Env = env
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out.String(), nil
	}
	if err != nil {
		return -1, out.String(), err
	}
	return 0, out.String(), nil
}
