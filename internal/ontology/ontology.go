// Package ontology loads bundled knowledge-base fact files into
// statements the store can add. One statement per line, "#"-prefixed
// lines and blanks skipped.
package ontology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edge-robotics/knowbase/internal/store"
)

// Loader reads ".kbf" ontology files from disk.
type Loader struct{}

// NewLoader builds a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile parses one file into a list of triples.
func (l *Loader) LoadFile(path string) ([]store.Triple, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ontology file %q: %w", path, err)
	}
	defer f.Close()
	return parseStatements(f)
}

// LoadDir parses every ".kbf" file in dir, in name order.
func (l *Loader) LoadDir(dir string) ([]store.Triple, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read ontology dir %q: %w", dir, err)
	}
	var triples []store.Triple
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".kbf" {
			continue
		}
		t, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		triples = append(triples, t...)
	}
	return triples, nil
}

func parseStatements(f *os.File) ([]store.Triple, error) {
	var triples []store.Triple
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := ParseStatement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		triples = append(triples, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return triples, nil
}

// ParseStatement splits one textual "subject predicate object" statement
// into a triple. A double-quoted object may contain spaces; the quotes
// are stripped.
func ParseStatement(line string) (store.Triple, error) {
	fields, err := tokenize(line)
	if err != nil {
		return store.Triple{}, err
	}
	if len(fields) != 3 {
		return store.Triple{}, fmt.Errorf("expected 3 tokens, got %d: %q", len(fields), line)
	}
	return store.Triple{Subject: fields[0], Predicate: fields[1], Object: fields[2]}, nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inQuote := false
	hasToken := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			hasToken = true
		case !inQuote && (r == ' ' || r == '\t'):
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted literal: %q", line)
	}
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
