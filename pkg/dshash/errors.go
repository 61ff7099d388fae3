package dshash

import "errors"

// Sentinel errors returned by table operations.
//
// Callers should use [errors.Is] to check error types. Arena exhaustion is
// not redeclared here: it surfaces as whatever the [Area] returns, for
// [arena.Arena] an error satisfying errors.Is(err, arena.ErrFull).
var (
	// ErrInvalidInput indicates invalid arguments were provided, for example a
	// key whose length differs from [Params.KeySize].
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("dshash: invalid input")

	// ErrCorrupt indicates the identity tag of the control block does not
	// match: the identity names a foreign object, or the table was destroyed.
	//
	// This is fatal for the handle.
	ErrCorrupt = errors.New("dshash: corrupt or foreign control block")

	// ErrIncompatible indicates the table was created with a different key
	// size, entry size or layout version than the attaching handle expects.
	ErrIncompatible = errors.New("dshash: incompatible")

	// ErrDetached indicates the [Handle] was detached or the table destroyed
	// through it.
	ErrDetached = errors.New("dshash: handle detached")
)
