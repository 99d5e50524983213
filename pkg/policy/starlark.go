package policy

import (
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/callsync/callsync/pkg/engine"
)

// predeclared returns the built-ins available to classifier scripts.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// entryValue exposes a call-log entry to a script as a frozen struct:
// entry.id, entry.number, entry.timestamp (unix seconds), entry.duration
// and entry.direction.
func entryValue(entry engine.CallLogEntry) *starlarkstruct.Struct {
	s := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":        starlark.String(entry.ID),
		"number":    starlark.String(entry.Number),
		"timestamp": starlark.MakeInt64(entry.Timestamp.Unix()),
		"duration":  starlark.MakeInt(entry.DurationSeconds),
		"direction": starlark.String(entry.Direction),
	})
	s.Freeze()
	return s
}
