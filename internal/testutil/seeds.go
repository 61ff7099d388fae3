package testutil

// Seed bundles a human-readable name with seed bytes.
//
// Curated seeds exercise scenarios random fuzzing might take a long time to
// reach. Each produces a deterministic op sequence under DefaultOpGenConfig.
type Seed struct {
	Name string
	Data []byte
}

// CuratedSeeds returns all curated seeds with descriptive names.
func CuratedSeeds() []Seed {
	return []Seed{
		{Name: "basic_lifecycle", Data: SeedBasicLifecycle()},
		{Name: "growth", Data: SeedGrowth()},
		{Name: "duplicate_inserts", Data: SeedDuplicateInserts()},
		{Name: "purge_after_growth", Data: SeedPurgeAfterGrowth()},
		{Name: "reattach_mid_stream", Data: SeedReattachMidStream()},
	}
}

func defaultSeedConfig() *OpGenConfig {
	cfg := DefaultOpGenConfig()

	return &cfg
}

// SeedBasicLifecycle inserts, reads, updates and deletes a single key.
func SeedBasicLifecycle() []byte {
	return NewSeedBuilder(defaultSeedConfig()).
		Insert(1, 100).
		Get(1).
		Upsert(1, 101).
		Get(1).
		Delete(1).
		Get(1).
		Len().
		Bytes()
}

// SeedGrowth inserts enough keys to force several resizes.
func SeedGrowth() []byte {
	return NewSeedBuilder(defaultSeedConfig()).
		InsertRange(0, 180).
		Len().
		Get(0).
		Get(179).
		Bytes()
}

// SeedDuplicateInserts checks that a second insert keeps the first value.
func SeedDuplicateInserts() []byte {
	return NewSeedBuilder(defaultSeedConfig()).
		Insert(7, 1).
		Insert(7, 2).
		Touch(7).
		Touch(8).
		Get(8).
		Insert(8, 3).
		Len().
		Bytes()
}

// SeedPurgeAfterGrowth deletes through exclusive scans on a grown table.
func SeedPurgeAfterGrowth() []byte {
	return NewSeedBuilder(defaultSeedConfig()).
		InsertRange(0, 150).
		Purge(3, 0).
		Len().
		Purge(2, 1).
		FindDelete(4).
		FindDelete(4).
		Len().
		Bytes()
}

// SeedReattachMidStream swaps handles between writes.
func SeedReattachMidStream() []byte {
	return NewSeedBuilder(defaultSeedConfig()).
		InsertRange(0, 40).
		Reattach().
		Upsert(3, 33).
		InsertRange(40, 90).
		Reattach().
		Get(3).
		Len().
		Bytes()
}
