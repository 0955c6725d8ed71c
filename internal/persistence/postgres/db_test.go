// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"testing"
)

func TestNewPoolInvalidURL(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(context.Background(), "://not-valid")
	if err == nil {
		t.Fatal("expected invalid URL to return an error")
	}
	if pool != nil {
		t.Fatal("expected pool to be nil on parse error")
	}
}

func TestNewLockPoolInvalidURL(t *testing.T) {
	t.Parallel()

	pool, err := NewLockPool(context.Background(), "://not-valid", 0)
	if err == nil {
		t.Fatal("expected invalid URL to return an error")
	}
	if pool != nil {
		t.Fatal("expected pool to be nil on parse error")
	}
}

func TestMissingColumnsSortedAndComplete(t *testing.T) {
	t.Parallel()

	present := map[string]bool{}
	for table, columns := range ledgerColumns {
		for _, column := range columns {
			present[table+"."+column] = true
		}
	}
	if missing := missingColumns(present); len(missing) != 0 {
		t.Fatalf("expected no missing columns got %v", missing)
	}

	delete(present, "shamans.log_seq")
	delete(present, "accounts.role")
	missing := missingColumns(present)
	if len(missing) != 2 || missing[0] != "accounts.role" || missing[1] != "shamans.log_seq" {
		t.Fatalf("expected [accounts.role shamans.log_seq] got %v", missing)
	}
}

func TestSchemaReadyNilPool(t *testing.T) {
	t.Parallel()

	if err := SchemaReady(context.Background(), nil); err == nil {
		t.Fatal("expected nil pool to fail readiness")
	}
}
