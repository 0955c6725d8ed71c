// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareSourceAddsPackageClause(t *testing.T) {
	src, err := PrepareSource(`import "shaman"

func Run(c *shaman.Context) (any, error) { return 1, nil }`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(src, "package main"))
}

func TestPrepareSourceAcceptsVariants(t *testing.T) {
	for name, src := range map[string]string{
		"interface{} result": `package main
import "shaman"
func Run(c *shaman.Context) (interface{}, error) { return nil, nil }`,
		"named results": `package main
import "shaman"
func Run(c *shaman.Context) (out any, err error) { return }`,
		"aliased import": `package main
import sh "shaman"
func Run(c *sh.Context) (any, error) { return helper(), nil }
func helper() int { return 2 }`,
		"allowed stdlib": `package main
import (
	"math/big"
	"strings"
	"shaman"
)
func Run(c *shaman.Context) (any, error) { return strings.ToUpper(big.NewInt(1).String()), nil }`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := PrepareSource(src)
			assert.NoError(t, err)
		})
	}
}

func TestPrepareSourceRejects(t *testing.T) {
	for name, src := range map[string]string{
		"empty":        "   ",
		"syntax error": `func Run(c *shaman.Context) (any, error) {`,
		"forbidden import": `package main
import ("os"; "shaman")
func Run(c *shaman.Context) (any, error) { return os.Getenv("HOME"), nil }`,
		"net import": `package main
import ("net/http"; "shaman")
func Run(c *shaman.Context) (any, error) { return http.Get("http://x") }`,
		"no capability import": `package main
func Run(c any) (any, error) { return nil, nil }`,
		"missing Run": `package main
import "shaman"
func run(c *shaman.Context) (any, error) { return nil, nil }`,
		"extra export": `package main
import "shaman"
func Run(c *shaman.Context) (any, error) { return nil, nil }
func Helper() {}`,
		"wrong params": `package main
import "shaman"
func Run() (any, error) { return nil, nil }`,
		"wrong results": `package main
import "shaman"
func Run(c *shaman.Context) any { return nil }`,
		"value receiver type": `package main
import "shaman"
func Run(c shaman.Context) (any, error) { return nil, nil }`,
		"main func": `package main
import "shaman"
func main() {}
func Run(c *shaman.Context) (any, error) { return nil, nil }`,
		"other package": `package tools
import "shaman"
func Run(c *shaman.Context) (any, error) { return nil, nil }`,
		"dot import": `package main
import . "shaman"
func Run(c *Context) (any, error) { return nil, nil }`,
		"goroutine": `package main
import "shaman"
func Run(c *shaman.Context) (any, error) { go func() {}(); return nil, nil }`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := PrepareSource(src)
			assert.Error(t, err)
		})
	}
}

func TestSandboxSymbolsStripStdio(t *testing.T) {
	fmtSyms, ok := sandboxSymbols["fmt/fmt"]
	require.True(t, ok)
	assert.Contains(t, fmtSyms, "Sprintf")
	assert.Contains(t, fmtSyms, "Errorf")
	for _, blocked := range []string{"Println", "Printf", "Fprintf", "Sscanf", "Scanln"} {
		assert.NotContains(t, fmtSyms, blocked)
	}
	timeSyms, ok := sandboxSymbols["time/time"]
	require.True(t, ok)
	assert.Contains(t, timeSyms, "Now")
	for _, blocked := range []string{"AfterFunc", "Tick", "NewTicker"} {
		assert.NotContains(t, timeSyms, blocked)
	}
	assert.NotContains(t, sandboxSymbols, "os/os")
	assert.Contains(t, sandboxSymbols, "math/big/big")
	assert.Contains(t, AllowedImports(), "shaman")
}
