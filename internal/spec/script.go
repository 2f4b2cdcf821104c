package spec

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// ScriptEnv carries the base64 build script into the container.
const ScriptEnv = "BADWOLF_SCRIPT"

// ShellScript renders the build script: services, traced commands and the
// after_success/after_failure hooks. The script exits with the status of the
// first failing command.
func (s *Specification) ShellScript() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set +e\n")
	b.WriteString("(\nset -e\n")
	for _, service := range s.Services {
		b.WriteString(trace("service " + service + " start"))
	}
	for _, script := range s.Scripts {
		b.WriteString(trace(script))
	}
	b.WriteString(")\n")
	b.WriteString("BADWOLF_EXIT_CODE=$?\n")
	if len(s.AfterSuccess) > 0 || len(s.AfterFailure) > 0 {
		b.WriteString("if [ \"$BADWOLF_EXIT_CODE\" -eq 0 ]; then\n  :\n")
		for _, cmd := range s.AfterSuccess {
			b.WriteString(indent(trace(cmd)))
		}
		b.WriteString("else\n  :\n")
		for _, cmd := range s.AfterFailure {
			b.WriteString(indent(trace(cmd)))
		}
		b.WriteString("fi\n")
	}
	b.WriteString("exit $BADWOLF_EXIT_CODE\n")
	return b.String()
}

// EncodedScript is ShellScript in base64.
func (s *Specification) EncodedScript() string {
	return base64.StdEncoding.EncodeToString([]byte(s.ShellScript()))
}

// Entrypoint is the container command decoding BADWOLF_SCRIPT and running it
// with the configured shell.
func (s *Specification) Entrypoint() []string {
	shell := s.Shell
	if shell == "" {
		shell = "bash"
	}
	cmd := fmt.Sprintf(`echo "$%s" | base64 -d > /tmp/badwolf-run.sh && exec %s /tmp/badwolf-run.sh`, ScriptEnv, ShellQuote(shell))
	return []string{"/bin/sh", "-c", cmd}
}

func trace(cmd string) string {
	return "echo + " + ShellQuote(cmd) + "\n" + cmd + "\n"
}

func indent(block string) string {
	lines := strings.Split(strings.TrimSuffix(block, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n") + "\n"
}

var shellSafe = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

// ShellQuote quotes s for POSIX shells.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
