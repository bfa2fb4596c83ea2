package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/scoa-engine/allocation"
	"github.com/warp/scoa-engine/store/sqlite"
)

func seedDatabase(t *testing.T, path string) {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	svc := allocation.NewService(store, nil, allocation.ServiceConfig{})
	_, err = svc.SaveMappings(context.Background(), []allocation.MappingEdit{{
		EntityID:    "E1",
		AccountID:   "A1",
		MappingType: allocation.MappingPercentage,
		Splits: []allocation.Split{
			{TargetID: "T1", AllocationType: allocation.AllocationPercentage, AllocationValue: decimal.NewNullDecimal(decimal.NewFromInt(60))},
			{TargetID: "T2", AllocationType: allocation.AllocationPercentage, AllocationValue: decimal.NewNullDecimal(decimal.NewFromInt(40))},
		},
		ActivityAmount: decimal.NewNullDecimal(decimal.NewFromInt(1000)),
		ActivityMonth:  allocation.NewMonth(2024, time.January),
	}}, allocation.SaveOptions{})
	require.NoError(t, err)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRecalcFlags_Validate(t *testing.T) {
	cases := []struct {
		name  string
		flags recalcFlags
		ok    bool
	}{
		{"entity", recalcFlags{entity: "E1"}, true},
		{"entity with months", recalcFlags{entity: "E1", months: []string{"2024-01"}}, true},
		{"all", recalcFlags{all: true}, true},
		{"nothing", recalcFlags{}, false},
		{"all and entity", recalcFlags{all: true, entity: "E1"}, false},
		{"all and months", recalcFlags{all: true, months: []string{"2024-01"}}, false},
	}
	for _, tc := range cases {
		err := tc.flags.validate()
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			assert.Error(t, err, tc.name)
		}
	}
}

func TestRecalcCommand_Entity(t *testing.T) {
	db := filepath.Join(t.TempDir(), "scoa.db")
	seedDatabase(t, db)

	out, err := runCLI(t, "recalc", "--db", db, "--env", "", "--entity", "E1", "--month", "2024-01")

	require.NoError(t, err, out)
	assert.Contains(t, out, "E1\t2 rows")
}

func TestRecalcCommand_All(t *testing.T) {
	db := filepath.Join(t.TempDir(), "scoa.db")
	seedDatabase(t, db)

	out, err := runCLI(t, "recalc", "--db", db, "--env", "", "--all")

	require.NoError(t, err, out)
	assert.Contains(t, out, "E1\t2 rows")
}

func TestRecalcCommand_BadMonth(t *testing.T) {
	_, err := runCLI(t, "recalc", "--db", ":memory:", "--env", "", "--entity", "E1", "--month", "someday")
	assert.ErrorContains(t, err, "someday")
}

func TestBootstrap_FlagOverrides(t *testing.T) {
	db := filepath.Join(t.TempDir(), "override.db")
	a, err := bootstrap(&globalFlags{dbPath: db, logLevel: "debug"}, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, db, a.cfg.Database.Path)
	assert.Equal(t, "debug", a.cfg.Log.Level)
	assert.NoError(t, a.store.Ping(context.Background()))
}
