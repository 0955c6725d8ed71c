// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/stdlib"

	"github.com/Interstation-Research/shaman/internal/worker/capability"
)

var allowedImports = map[string]bool{
	capability.ImportPath: true,
	"strings":             true,
	"strconv":             true,
	"math":                true,
	"math/big":            true,
	"encoding/json":       true,
	"encoding/hex":        true,
	"encoding/base64":     true,
	"errors":              true,
	"fmt":                 true,
	"sort":                true,
	"time":                true,
	"bytes":               true,
	"unicode/utf8":        true,
}

// fmt symbols that touch process stdio.
var blockedFmtPrefixes = []string{"Print", "Fprint", "Scan", "Fscan", "Sscan"}

// time symbols that start runtime goroutines or timers outliving Run.
var blockedTimeSymbols = map[string]bool{
	"AfterFunc": true,
	"Tick":      true,
	"NewTicker": true,
	"Ticker":    true,
}

// sandboxSymbols is the stdlib export table filtered to allowedImports.
var sandboxSymbols = buildSandboxSymbols()

func buildSandboxSymbols() map[string]map[string]reflect.Value {
	out := make(map[string]map[string]reflect.Value)
	for importPath := range allowedImports {
		if importPath == capability.ImportPath {
			continue
		}
		key := importPath + "/" + path.Base(importPath)
		syms, ok := stdlib.Symbols[key]
		if !ok {
			continue
		}

		filtered := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			if importPath == "fmt" && hasAnyPrefix(name, blockedFmtPrefixes) {
				continue
			}
			if importPath == "time" && blockedTimeSymbols[name] {
				continue
			}
			filtered[name] = v
		}
		out[key] = filtered
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// AllowedImports lists importable packages, sorted.
func AllowedImports() []string {
	out := make([]string, 0, len(allowedImports))
	for p := range allowedImports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PrepareSource checks script shape and returns the source to evaluate,
// adding a package clause when the script has none.
func PrepareSource(src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", errors.New("empty script")
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "script.go", src, parser.SkipObjectResolution)
	if err != nil {
		wrapped := "package main\n\n" + src
		f, wrapErr := parser.ParseFile(fset, "script.go", wrapped, parser.SkipObjectResolution)
		if wrapErr != nil {
			return "", fmt.Errorf("parse: %v", err)
		}
		src, file = wrapped, f
	}

	if file.Name.Name != "main" {
		return "", fmt.Errorf("package must be main, got %s", file.Name.Name)
	}

	capName := ""
	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil || !allowedImports[p] {
			return "", fmt.Errorf("import %s is not allowed", spec.Path.Value)
		}
		if spec.Name != nil && (spec.Name.Name == "." || spec.Name.Name == "_") {
			return "", fmt.Errorf("%s import of %s is not allowed", spec.Name.Name, spec.Path.Value)
		}
		if p == capability.ImportPath {
			capName = "shaman"
			if spec.Name != nil {
				capName = spec.Name.Name
			}
		}
	}
	if capName == "" {
		return "", fmt.Errorf("script must import %q", capability.ImportPath)
	}

	var run *ast.FuncDecl
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch {
		case fn.Name.Name == "main" || fn.Name.Name == "init":
			return "", fmt.Errorf("func %s is not allowed", fn.Name.Name)
		case fn.Name.Name == "Run":
			run = fn
		case fn.Name.IsExported():
			return "", fmt.Errorf("only Run may be exported, found %s", fn.Name.Name)
		}
	}
	if run == nil {
		return "", errors.New("missing func Run(c *shaman.Context) (any, error)")
	}
	if !validRunSignature(run.Type, capName) {
		return "", errors.New("Run must have signature func(c *shaman.Context) (any, error)")
	}

	var goStmt *ast.GoStmt
	ast.Inspect(file, func(n ast.Node) bool {
		if g, ok := n.(*ast.GoStmt); ok && goStmt == nil {
			goStmt = g
		}
		return goStmt == nil
	})
	if goStmt != nil {
		return "", fmt.Errorf("go statements are not allowed (line %d)", fset.Position(goStmt.Pos()).Line)
	}

	return src, nil
}

func validRunSignature(ft *ast.FuncType, capName string) bool {
	if ft.TypeParams != nil || ft.Params == nil || ft.Results == nil {
		return false
	}
	if len(ft.Params.List) != 1 || len(ft.Params.List[0].Names) > 1 {
		return false
	}
	star, ok := ft.Params.List[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Context" {
		return false
	}
	if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != capName {
		return false
	}

	var results []ast.Expr
	for _, f := range ft.Results.List {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			results = append(results, f.Type)
		}
	}
	if len(results) != 2 {
		return false
	}
	return isEmptyInterface(results[0]) && isIdent(results[1], "error")
}

func isEmptyInterface(e ast.Expr) bool {
	if isIdent(e, "any") {
		return true
	}
	it, ok := e.(*ast.InterfaceType)
	return ok && (it.Methods == nil || len(it.Methods.List) == 0)
}

func isIdent(e ast.Expr, name string) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == name
}
