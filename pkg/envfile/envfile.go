// Package envfile loads environment variable assignments from a service
// environment file.
//
// The format is line oriented: leading whitespace is skipped, blank lines
// and lines starting with '#' are ignored, and every other line is a
// NAME=value assignment. Whitespace is tolerated between the name and the
// '='; the value runs to the end of the line unmodified. Later assignments
// for the same name override earlier ones when applied.
package envfile

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Assignment is one NAME=value pair from an environment file.
type Assignment struct {
	Name  string
	Value string
}

// Load reads every assignment from the file at path, in order.
func Load(path string) ([]Assignment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var assignments []Assignment
	scanner := bufio.NewScanner(f)
	linenum := 0
	for scanner.Scan() {
		linenum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		a, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, linenum, err)
		}
		assignments = append(assignments, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

func parseLine(line string) (Assignment, error) {
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return Assignment{}, fmt.Errorf("invalid environment assignment %q", line)
	}
	name := strings.TrimRight(line[:eq], " \t")
	if name == "" || strings.ContainsAny(name, " \t") {
		return Assignment{}, fmt.Errorf("invalid environment variable name %q", name)
	}
	return Assignment{Name: name, Value: line[eq+1:]}, nil
}
