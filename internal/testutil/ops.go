// Package testutil runs generated table operations against a real table and
// a map model and reports where they disagree.
package testutil

import (
	"errors"
	"fmt"

	"github.com/omnigres/dshash/pkg/dshash"
)

// Result is the observable outcome of an operation. Value holds whatever
// the operation returns (found flags, values, counts) in a form both sides
// produce identically.
type Result struct {
	OK    bool
	Err   error
	Value any
}

// ResultFromError creates a Result from an operation error.
func ResultFromError(err error) Result {
	if err == nil {
		return Result{OK: true}
	}

	return Result{Err: err}
}

func okResult(v any) Result {
	return Result{OK: true, Value: v}
}

// Op is a behavior test operation executed against model and real table.
type Op interface {
	ApplyModel(h *Harness) Result
	ApplyReal(h *Harness) Result
	String() string
}

// found is the value of lookups.
type found struct {
	Present bool
	Value   []byte
}

// OpInsert inserts a key unless present.
type OpInsert struct {
	Key   uint64
	Value []byte
}

// ApplyReal runs Insert.
func (o OpInsert) ApplyReal(h *Harness) Result {
	e, inserted, err := h.Table.Insert(EncodeKey(o.Key), o.Value)
	if err != nil {
		return ResultFromError(err)
	}

	return okResult(found{Present: inserted, Value: e.Value})
}

// ApplyModel applies insert to the model.
func (o OpInsert) ApplyModel(h *Harness) Result {
	v, inserted := h.Model.Insert(o.Key, o.Value)

	return okResult(found{Present: inserted, Value: v})
}

func (o OpInsert) String() string {
	return fmt.Sprintf("Insert(%d, %x)", o.Key, o.Value)
}

// OpUpsert finds or inserts a key exclusively and overwrites its value.
type OpUpsert struct {
	Key   uint64
	Value []byte
}

// ApplyReal runs FindOrInsert, SetValue and Release.
func (o OpUpsert) ApplyReal(h *Harness) Result {
	it, inserted, err := h.Table.FindOrInsert(EncodeKey(o.Key))
	if err != nil {
		return ResultFromError(err)
	}

	if v := it.Value(); inserted && !allZero(v) {
		err = fmt.Errorf("new item value not zeroed: %x", v)

		return ResultFromError(errors.Join(err, it.Release()))
	}

	err = it.SetValue(o.Value)

	return ResultFromError(errors.Join(err, it.Release()))
}

// ApplyModel applies upsert to the model.
func (o OpUpsert) ApplyModel(h *Harness) Result {
	h.Model.Put(o.Key, o.Value)

	return okResult(nil)
}

func (o OpUpsert) String() string {
	return fmt.Sprintf("Upsert(%d, %x)", o.Key, o.Value)
}

// OpTouch finds or inserts a key and releases it untouched.
type OpTouch struct {
	Key uint64
}

// ApplyReal runs FindOrInsert and Release.
func (o OpTouch) ApplyReal(h *Harness) Result {
	it, inserted, err := h.Table.FindOrInsert(EncodeKey(o.Key))
	if err != nil {
		return ResultFromError(err)
	}

	v := it.Entry().Value

	err = it.Release()
	if err != nil {
		return ResultFromError(err)
	}

	return okResult(found{Present: inserted, Value: v})
}

// ApplyModel applies touch to the model. New keys get a zero value.
func (o OpTouch) ApplyModel(h *Harness) Result {
	v, inserted := h.Model.Insert(o.Key, make([]byte, ValueSize))

	return okResult(found{Present: inserted, Value: v})
}

func (o OpTouch) String() string {
	return fmt.Sprintf("Touch(%d)", o.Key)
}

// OpGet looks a key up with a shared lock.
type OpGet struct {
	Key uint64
}

// ApplyReal runs Get.
func (o OpGet) ApplyReal(h *Harness) Result {
	e, ok, err := h.Table.Get(EncodeKey(o.Key))
	if err != nil {
		return ResultFromError(err)
	}

	return okResult(found{Present: ok, Value: e.Value})
}

// ApplyModel applies get to the model.
func (o OpGet) ApplyModel(h *Harness) Result {
	v, ok := h.Model.Get(o.Key)

	return okResult(found{Present: ok, Value: v})
}

func (o OpGet) String() string {
	return fmt.Sprintf("Get(%d)", o.Key)
}

// OpDelete deletes a key by value.
type OpDelete struct {
	Key uint64
}

// ApplyReal runs Delete.
func (o OpDelete) ApplyReal(h *Harness) Result {
	existed, err := h.Table.Delete(EncodeKey(o.Key))
	if err != nil {
		return ResultFromError(err)
	}

	return okResult(existed)
}

// ApplyModel applies delete to the model.
func (o OpDelete) ApplyModel(h *Harness) Result {
	return okResult(h.Model.Delete(o.Key))
}

func (o OpDelete) String() string {
	return fmt.Sprintf("Delete(%d)", o.Key)
}

// OpFindDelete finds a key exclusively and deletes the held item.
type OpFindDelete struct {
	Key uint64
}

// ApplyReal runs Find and Item.Delete.
func (o OpFindDelete) ApplyReal(h *Harness) Result {
	it, err := h.Table.Find(EncodeKey(o.Key), true)
	if err != nil {
		return ResultFromError(err)
	}

	if it == nil {
		return okResult(false)
	}

	err = it.Delete()
	if err != nil {
		return ResultFromError(err)
	}

	return okResult(true)
}

// ApplyModel applies find-delete to the model.
func (o OpFindDelete) ApplyModel(h *Harness) Result {
	return okResult(h.Model.Delete(o.Key))
}

func (o OpFindDelete) String() string {
	return fmt.Sprintf("FindDelete(%d)", o.Key)
}

// OpPurge deletes, with an exclusive scan, every key k where k%Mod == Rem.
type OpPurge struct {
	Mod uint64
	Rem uint64
}

func (o OpPurge) match(k uint64) bool {
	return k%o.Mod == o.Rem
}

// ApplyReal runs an exclusive Range with DeleteCurrent.
func (o OpPurge) ApplyReal(h *Harness) Result {
	n := 0

	var delErr error

	err := h.Table.Range(true, func(s *dshash.Scan, it *dshash.Item) bool {
		if !o.match(DecodeKey(it.Key())) {
			return true
		}

		delErr = s.DeleteCurrent()
		if delErr != nil {
			return false
		}

		n++

		return true
	})
	if err = errors.Join(err, delErr); err != nil {
		return ResultFromError(err)
	}

	return okResult(n)
}

// ApplyModel applies purge to the model.
func (o OpPurge) ApplyModel(h *Harness) Result {
	return okResult(h.Model.DeleteFunc(o.match))
}

func (o OpPurge) String() string {
	return fmt.Sprintf("Purge(k%%%d==%d)", o.Mod, o.Rem)
}

// OpLen counts entries.
type OpLen struct{}

// ApplyReal runs Len.
func (OpLen) ApplyReal(h *Harness) Result {
	n, err := h.Table.Len()
	if err != nil {
		return ResultFromError(err)
	}

	return okResult(int(n))
}

// ApplyModel applies len to the model.
func (OpLen) ApplyModel(h *Harness) Result {
	return okResult(h.Model.Len())
}

func (OpLen) String() string {
	return "Len()"
}

// OpReattach detaches the handle and attaches a new one to the same table.
type OpReattach struct{}

// ApplyReal swaps the handle.
func (OpReattach) ApplyReal(h *Harness) Result {
	return ResultFromError(h.Reattach())
}

// ApplyModel is a no-op: the table outlives its handles.
func (OpReattach) ApplyModel(*Harness) Result {
	return okResult(nil)
}

func (OpReattach) String() string {
	return "Reattach()"
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}
