// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the Postgres ledger schema.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

// File is one schema step. Version comes from the numeric file name prefix
// (0001_ledger.sql is version 1) and Checksum pins the applied text.
type File struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Ordered returns the embedded migrations by ascending version.
func Ordered() ([]File, error) {
	return load(embeddedFiles)
}

func load(fsys fs.FS) ([]File, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(names))
	seen := make(map[int]string, len(names))
	for _, name := range names {
		version, err := parseVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		files = append(files, File{
			Version:  version,
			Name:     name,
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Version < files[j].Version
	})
	return files, nil
}

func parseVersion(name string) (int, error) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: expected NNNN_name.sql", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("migration %s: bad version prefix %q", name, prefix)
	}
	return version, nil
}
