package lint

import (
	"encoding/xml"
	"strconv"
	"strings"
)

type checkstyleReport struct {
	Files []struct {
		Name   string `xml:"name,attr"`
		Errors []struct {
			Line     string `xml:"line,attr"`
			Severity string `xml:"severity,attr"`
			Message  string `xml:"message,attr"`
		} `xml:"error"`
	} `xml:"file"`
}

// parseCheckstyle reads checkstyle XML output. Info entries are skipped; a
// line attribute may list several comma separated lines.
func parseCheckstyle(linter, workDir, output string) ([]Problem, error) {
	if strings.TrimSpace(output) == "" {
		return nil, nil
	}
	var report checkstyleReport
	if err := xml.Unmarshal([]byte(output), &report); err != nil {
		return nil, err
	}
	var problems []Problem
	for _, f := range report.Files {
		name := relativize(workDir, f.Name)
		for _, e := range f.Errors {
			if e.Severity == "info" {
				continue
			}
			for _, l := range strings.Split(e.Line, ",") {
				line, err := strconv.Atoi(strings.TrimSpace(l))
				if err != nil {
					continue
				}
				problems = append(problems, Problem{
					Filename: name,
					Line:     line,
					Message:  e.Message,
					Linter:   linter,
					IsError:  e.Severity != "warning",
				})
			}
		}
	}
	return problems, nil
}
