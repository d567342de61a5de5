package env

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOrderAndOverrides(t *testing.T) {
	e := FromVars(map[string]string{"B": "vars", "C": "vars"}).
		WithBase([]string{"A=base", "B=base", "=skipped", "malformed"})

	out := e.Merge([]string{"C=proc", "D=proc"})
	assert.Equal(t, []string{"A=base", "B=vars", "C=proc", "D=proc"}, out)
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New().
		WithBase([]string{"HOME=/home/dev"}).
		WithSet("CACHE", "${HOME}/.cache").
		WithSet("KEEP", "${MISSING}-x").
		WithSet("OPEN", "${HOME")

	out := e.Merge(nil)
	assert.Contains(t, out, "CACHE=/home/dev/.cache")
	assert.Contains(t, out, "KEEP=${MISSING}-x")
	assert.Contains(t, out, "OPEN=${HOME")
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	a := FromVars(map[string]string{"X": "1"})
	b := a.WithSet("X", "2").WithSet("", "ignored")

	assert.Equal(t, Var{"X": "1"}, a.Vars())
	assert.Equal(t, Var{"X": "2"}, b.Vars())
}

func TestMergeDefaultsToOSEnvironment(t *testing.T) {
	t.Setenv("UP_ENV_TEST", "from-os")
	out := FromVars(map[string]string{"UP_ENV_VAR": "${UP_ENV_TEST}"}).Merge(nil)

	assert.Contains(t, out, "UP_ENV_TEST=from-os")
	assert.Contains(t, out, "UP_ENV_VAR=from-os")
	assert.GreaterOrEqual(t, len(out), len(os.Environ()))
}
