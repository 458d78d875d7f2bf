package filter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
)

// DefaultExpression skips dot-files and anything under a dot-directory
const DefaultExpression = "!file.hidden"

// File describes a candidate found while walking an ingestion root
type File struct {
	Path string
	Root string
	Size int64
}

// Filter selects files with a CEL expression over the variable "file",
// which exposes name, path, rel, dir, ext, size and hidden.
// Example: `!file.hidden && file.ext in [".pdf", ".eml"] && file.size < 50000000`
type Filter struct {
	expr string
	prg  cel.Program
}

// New compiles expr. An empty expression matches everything.
func New(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("file", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error in %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression
func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the expression for file
func (f *Filter) Match(file File) (bool, error) {
	if f.prg == nil {
		return true, nil
	}

	out, _, err := f.prg.Eval(map[string]interface{}{
		"file": Attributes(file),
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %s: %w", file.Path, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// Attributes builds the "file" variable
func Attributes(file File) map[string]interface{} {
	rel := file.Path
	if file.Root != "" {
		if r, err := filepath.Rel(file.Root, file.Path); err == nil {
			rel = r
		}
	}
	if rel == "." {
		rel = filepath.Base(file.Path)
	}

	return map[string]interface{}{
		"name":   filepath.Base(file.Path),
		"path":   file.Path,
		"rel":    filepath.ToSlash(rel),
		"dir":    filepath.Dir(file.Path),
		"ext":    strings.ToLower(filepath.Ext(file.Path)),
		"size":   file.Size,
		"hidden": hidden(rel),
	}
}

// hidden reports whether any component of rel starts with a dot
func hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}
