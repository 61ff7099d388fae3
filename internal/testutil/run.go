package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/omnigres/dshash/pkg/dshash"
)

// RunConfig configures a behavior test run.
type RunConfig struct {
	// MaxOps is the maximum number of operations to execute.
	MaxOps int

	// CompareStateEveryN runs full state comparison every N operations.
	// Set to 0 to only check at the end.
	CompareStateEveryN int

	// Hash is passed to the table. Nil selects the default.
	Hash dshash.HashFunc
}

// DefaultRunConfig returns a balanced configuration for behavior tests.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxOps:             400,
		CompareStateEveryN: 25,
	}
}

// RunBehavior executes a deterministic stream of operations and compares
// the results of the model and the real table after every op.
func RunBehavior(tb testing.TB, cfg RunConfig, gen *OpGenerator) {
	tb.Helper()

	if cfg.MaxOps <= 0 {
		tb.Fatalf("RunBehavior requires MaxOps > 0")
	}

	h := NewHarness(tb, cfg.Hash)
	history := make([]string, 0, cfg.MaxOps)

	for opIndex := 1; opIndex <= cfg.MaxOps && gen.HasMore(); opIndex++ {
		op := gen.NextOp()
		history = append(history, op.String())

		realRes := op.ApplyReal(h)
		modelRes := op.ApplyModel(h)

		err := compareResults(op, &modelRes, &realRes)
		if err != nil {
			tb.Fatalf("%v\n%s", err, FormatOps(history))
		}

		if cfg.CompareStateEveryN > 0 && opIndex%cfg.CompareStateEveryN == 0 {
			err := CompareState(h, history)
			if err != nil {
				tb.Fatal(err)
			}
		}
	}

	err := CompareState(h, history)
	if err != nil {
		tb.Fatal(err)
	}
}

// RunBehaviorWithSeed runs behavior tests with a specific byte seed under
// the default generator config.
func RunBehaviorWithSeed(tb testing.TB, seed []byte, cfg RunConfig) {
	tb.Helper()

	genCfg := DefaultOpGenConfig()
	RunBehavior(tb, cfg, NewOpGenerator(seed, &genCfg))
}

func compareResults(op Op, modelRes, realRes *Result) error {
	if modelRes.OK != realRes.OK {
		return fmt.Errorf("model ok=%v, table ok=%v: %s, model err: %v, table err: %v",
			modelRes.OK, realRes.OK, op.String(), modelRes.Err, realRes.Err)
	}

	if diff := cmp.Diff(modelRes.Value, realRes.Value); diff != "" {
		return fmt.Errorf("result mismatch: %s (-model +table):\n%s", op.String(), diff)
	}

	return nil
}

// CompareState scans the whole table and compares it with the model, then
// cross-checks the item count reported by Stats.
func CompareState(h *Harness, history []string) error {
	got := make(map[uint64][]byte)
	dup := false

	err := h.Table.Range(false, func(_ *dshash.Scan, it *dshash.Item) bool {
		k := DecodeKey(it.Key())
		if _, dup = got[k]; dup {
			return false
		}

		got[k] = it.Entry().Value

		return true
	})
	if err != nil {
		return fmt.Errorf("scan: %w\n%s", err, FormatOps(history))
	}

	if dup {
		return fmt.Errorf("scan visited a key twice\n%s", FormatOps(history))
	}

	if diff := cmp.Diff(h.Model.Snapshot(), got); diff != "" {
		return fmt.Errorf("state mismatch (-model +table):\n%s\n%s", diff, FormatOps(history))
	}

	st, err := h.Table.Stats()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if st.Items != uint64(h.Model.Len()) {
		return fmt.Errorf("stats report %d items, model has %d\n%s", st.Items, h.Model.Len(), FormatOps(history))
	}

	return nil
}

// FormatOps renders the op history for failure messages.
func FormatOps(history []string) string {
	var b strings.Builder

	b.WriteString("ops:\n")

	for i, op := range history {
		fmt.Fprintf(&b, "  %3d. %s\n", i+1, op)
	}

	return b.String()
}
