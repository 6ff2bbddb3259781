// Command importcheck enforces package boundaries inside paygate.
//
// The money-moving core (finance, escrow, pricing, paygate) must not reach for
// transport packages or for the layers that sit above it. Test files are exempt.
//
// Usage:
//
//	go run ./tools/importcheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/paygate/"

type rule struct {
	dir       string
	forbidden []string
}

var rules = []rule{
	{dir: "pkg/finance", forbidden: []string{modulePath}},
	{dir: "pkg/pricing", forbidden: []string{"net/http", modulePath + "pkg/paygate", modulePath + "pkg/escrow", modulePath + "pkg/router"}},
	{dir: "pkg/escrow", forbidden: []string{"net/http", modulePath + "pkg/paygate", modulePath + "pkg/router", modulePath + "pkg/server", modulePath + "pkg/mcp", modulePath + "pkg/custody"}},
	{dir: "pkg/paygate", forbidden: []string{"net/http", modulePath + "pkg/escrow", modulePath + "pkg/router", modulePath + "pkg/server", modulePath + "pkg/mcp"}},
	{dir: "pkg/router", forbidden: []string{"net/http", modulePath + "pkg/server", modulePath + "pkg/mcp"}},
}

func main() {
	root := flag.String("root", ".", "module root")
	flag.Parse()

	violations, err := check(*root, rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	for _, v := range violations {
		fmt.Println("BOUNDARY VIOLATION:", v)
	}
	if len(violations) > 0 {
		fmt.Printf("\n%d boundary violation(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("import boundaries ok")
}

func check(root string, rules []rule) ([]string, error) {
	var violations []string
	fset := token.NewFileSet()
	for _, r := range rules {
		dir := filepath.Join(root, filepath.FromSlash(r.dir))
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.dir, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range r.forbidden {
					if importPath == frag || strings.HasPrefix(importPath, frag) {
						pos := fset.Position(imp.Pos())
						rel, _ := filepath.Rel(root, pos.Filename)
						violations = append(violations,
							fmt.Sprintf("%s:%d imports %q (forbidden in %s)", filepath.ToSlash(rel), pos.Line, importPath, r.dir))
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return violations, nil
}
