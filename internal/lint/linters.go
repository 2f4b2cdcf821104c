package lint

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bosondata/badwolf/internal/spec"
)

// colonLinter covers tools printing "file:line:[col:] message" lines.
type colonLinter struct {
	base
	tool    string
	command func(files []string) []string
	// parse turns one output line into a problem; ok is false to skip it.
	parse         func(line string) (Problem, bool)
	includeErrors bool
}

func (l *colonLinter) Usable(string) bool { return inPath(l.tool) }

func (l *colonLinter) Lint(ctx context.Context, workDir string, files []string) ([]Problem, error) {
	args := l.command(files)
	output, err := runCommand(ctx, workDir, l.includeErrors, args[0], args[1:]...)
	if err != nil {
		return nil, err
	}
	var problems []Problem
	for _, line := range lines(output) {
		p, ok := l.parse(line)
		if !ok {
			continue
		}
		p.Linter = l.name
		p.Filename = relativize(workDir, p.Filename)
		problems = append(problems, p)
	}
	return problems, nil
}

// splitColon parses "file:line:rest" where rest may hold a column.
func splitColon(line string) (file string, lineNo int, rest string, ok bool) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", 0, "", false
	}
	rest = parts[2]
	// drop the column number
	if col, msg, found := strings.Cut(rest, ":"); found {
		if _, err := strconv.Atoi(strings.TrimSpace(col)); err == nil {
			rest = msg
		}
	}
	return parts[0], n, strings.TrimSpace(rest), true
}

func parseColonError(line string) (Problem, bool) {
	file, n, msg, ok := splitColon(line)
	if !ok {
		return Problem{}, false
	}
	return Problem{Filename: file, Line: n, Message: msg, IsError: true}, true
}

func python(conf spec.Linter) string {
	if p := conf.StringOption("python"); p != "" {
		return p
	}
	return "python3"
}

func newFlake8(conf spec.Linter) Linter {
	py := python(conf)
	return &colonLinter{
		base: newBase("flake8", "*.py", conf),
		tool: "flake8",
		command: func(files []string) []string {
			return append([]string{py, "-m", "flake8", "--filename", "*.py*"}, files...)
		},
		parse: parseColonError,
	}
}

func newPycodestyle(conf spec.Linter) Linter {
	return &colonLinter{
		base: newBase("pycodestyle", "*.py", conf),
		tool: "pycodestyle",
		command: func(files []string) []string {
			return append([]string{"pycodestyle"}, files...)
		},
		parse: parseColonError,
	}
}

func newPylint(conf spec.Linter) Linter {
	py := python(conf)
	return &colonLinter{
		base: newBase("pylint", "*.py", conf),
		tool: "pylint",
		command: func(files []string) []string {
			return append([]string{py, "-m", "pylint", "-r", "n", "-f", "parseable"}, files...)
		},
		parse:         parseColonError,
		includeErrors: true,
	}
}

func newMypy(conf spec.Linter) Linter {
	py := python(conf)
	return &colonLinter{
		base: newBase("mypy", "*.py *.pyi", conf),
		tool: "mypy",
		command: func(files []string) []string {
			return append([]string{py, "-m", "mypy"}, files...)
		},
		parse: func(line string) (Problem, bool) {
			file, n, rest, ok := splitColon(line)
			if !ok {
				return Problem{}, false
			}
			level, msg, found := strings.Cut(rest, ":")
			if !found {
				return Problem{}, false
			}
			level = strings.TrimSpace(level)
			if level == "note" {
				return Problem{}, false
			}
			return Problem{Filename: file, Line: n, Message: strings.TrimSpace(msg), IsError: level == "error"}, true
		},
		includeErrors: true,
	}
}

func newYamllint(conf spec.Linter) Linter {
	return &colonLinter{
		base: newBase("yamllint", "*.yml *.yaml", conf),
		tool: "yamllint",
		command: func(files []string) []string {
			return append([]string{"yamllint", "-f", "parsable"}, files...)
		},
		parse: func(line string) (Problem, bool) {
			p, ok := parseColonError(line)
			p.IsError = !strings.HasPrefix(p.Message, "[warning]")
			return p, ok
		},
	}
}

var jsonlintLineRe = regexp.MustCompile(`(?i)^(.+)?: line (\d+), col \d+, (.+)$`)

func newJSONLint(conf spec.Linter) Linter {
	return &perFileLinter{
		base: newBase("jsonlint", "*.json", conf),
		tool: "jsonlint",
		command: func(workDir, file string) []string {
			cmd := "jsonlint"
			if bin := npmBin(workDir, "jsonlint"); bin != "" {
				cmd = bin
			}
			return []string{cmd, "-q", "-c", file}
		},
		parse: func(line string) (Problem, bool) {
			m := jsonlintLineRe.FindStringSubmatch(line)
			if m == nil {
				return Problem{}, false
			}
			n, _ := strconv.Atoi(m[2])
			return Problem{Filename: m[1], Line: n, Message: strings.TrimSpace(m[3]), IsError: true}, true
		},
	}
}

func newHadolint(conf spec.Linter) Linter {
	return &perFileLinter{
		base: newBase("hadolint", "*Dockerfile*", conf),
		tool: "hadolint",
		command: func(_, file string) []string {
			return []string{"hadolint", file}
		},
		parse: func(line string) (Problem, bool) {
			location, msg, ok := strings.Cut(line, " ")
			if !ok {
				return Problem{}, false
			}
			file, lineNo := location, 1
			if f, l, found := strings.Cut(location, ":"); found {
				n, err := strconv.Atoi(l)
				if err != nil {
					return Problem{}, false
				}
				file, lineNo = f, n
			}
			return Problem{Filename: file, Line: lineNo, Message: strings.TrimSpace(msg), IsError: true}, true
		},
	}
}

// perFileLinter runs the tool once per file.
type perFileLinter struct {
	base
	tool    string
	command func(workDir, file string) []string
	parse   func(line string) (Problem, bool)
}

func (l *perFileLinter) Usable(workDir string) bool {
	return inPath(l.tool) || npmBin(workDir, l.tool) != ""
}

func (l *perFileLinter) Lint(ctx context.Context, workDir string, files []string) ([]Problem, error) {
	var problems []Problem
	for _, file := range files {
		args := l.command(workDir, file)
		output, err := runCommand(ctx, workDir, true, args[0], args[1:]...)
		if err != nil {
			return problems, err
		}
		for _, line := range lines(output) {
			p, ok := l.parse(line)
			if !ok {
				continue
			}
			p.Linter = l.name
			p.Filename = relativize(workDir, p.Filename)
			problems = append(problems, p)
		}
	}
	return problems, nil
}

// checkstyleLinter covers tools with checkstyle XML output.
type checkstyleLinter struct {
	base
	tool    string
	command func(workDir string, files []string) []string
}

func (l *checkstyleLinter) Usable(workDir string) bool {
	return inPath(l.tool) || npmBin(workDir, l.tool) != ""
}

func (l *checkstyleLinter) Lint(ctx context.Context, workDir string, files []string) ([]Problem, error) {
	args := l.command(workDir, files)
	output, err := runCommand(ctx, workDir, false, args[0], args[1:]...)
	if err != nil {
		return nil, err
	}
	return parseCheckstyle(l.name, workDir, output)
}

func newShellcheck(conf spec.Linter) Linter {
	return &checkstyleLinter{
		base: newBase("shellcheck", "*.sh", conf),
		tool: "shellcheck",
		command: func(_ string, files []string) []string {
			return append([]string{"shellcheck", "-f", "checkstyle"}, files...)
		},
	}
}

type eslinter struct {
	checkstyleLinter
}

// Match skips minified bundles.
func (l *eslinter) Match(file string) bool {
	if strings.HasSuffix(strings.ToLower(file), ".min.js") {
		return false
	}
	return l.checkstyleLinter.Match(file)
}

func newESLint(conf spec.Linter) Linter {
	return &eslinter{checkstyleLinter{
		base: newBase("eslint", "*.js", conf),
		tool: "eslint",
		command: func(workDir string, files []string) []string {
			cmd := "eslint"
			if bin := npmBin(workDir, "eslint"); bin != "" {
				cmd = bin
			}
			return append([]string{cmd, "--format", "checkstyle"}, files...)
		},
	}}
}

type bandit struct {
	base
}

func newBandit(conf spec.Linter) Linter {
	return &bandit{base: newBase("bandit", "*.py", conf)}
}

func (l *bandit) Usable(string) bool { return inPath("bandit") }

func (l *bandit) Lint(ctx context.Context, workDir string, files []string) ([]Problem, error) {
	args := []string{"-f", "csv"}
	if _, err := os.Stat(filepath.Join(workDir, ".bandit")); err == nil {
		args = append(args, "--ini", ".bandit")
	}
	output, err := runCommand(ctx, workDir, false, "bandit", append(args, files...)...)
	if err != nil || strings.TrimSpace(output) == "" {
		return nil, err
	}
	return parseBanditCSV(l.name, workDir, output)
}

func parseBanditCSV(linter, workDir, output string) ([]Problem, error) {
	records, err := csv.NewReader(strings.NewReader(output)).ReadAll()
	if err != nil || len(records) == 0 {
		return nil, err
	}
	column := make(map[string]int)
	for i, name := range records[0] {
		column[name] = i
	}
	field := func(row []string, name string) string {
		if i, ok := column[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}
	var problems []Problem
	for _, row := range records[1:] {
		n, err := strconv.Atoi(field(row, "line_number"))
		if err != nil {
			continue
		}
		problems = append(problems, Problem{
			Filename: relativize(workDir, field(row, "filename")),
			Line:     n,
			Message:  "[" + field(row, "test_name") + "] " + field(row, "issue_text"),
			Linter:   linter,
			IsError:  field(row, "issue_severity") != "LOW",
		})
	}
	return problems, nil
}
