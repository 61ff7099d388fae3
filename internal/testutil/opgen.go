package testutil

// OpGenConfig configures the operation generator. Rates are percentages of
// the op choice byte; whatever the listed rates leave over becomes Len.
type OpGenConfig struct {
	InsertRate     int
	UpsertRate     int
	TouchRate      int
	GetRate        int
	DeleteRate     int
	FindDeleteRate int
	PurgeRate      int
	ReattachRate   int

	// KeySpace bounds key numbers to [0, KeySpace). Small spaces make
	// repeated keys likely. At most 256.
	KeySpace int
}

// DefaultOpGenConfig returns a balanced configuration.
func DefaultOpGenConfig() OpGenConfig {
	return OpGenConfig{
		InsertRate:     30,
		UpsertRate:     15,
		TouchRate:      10,
		GetRate:        15,
		DeleteRate:     10,
		FindDeleteRate: 8,
		PurgeRate:      4,
		ReattachRate:   3,
		KeySpace:       200,
	}
}

// OpGenerator generates deterministic operations from a byte stream.
type OpGenerator struct {
	stream *ByteStream
	config OpGenConfig
}

// NewOpGenerator creates a new operation generator.
func NewOpGenerator(fuzzBytes []byte, cfg *OpGenConfig) *OpGenerator {
	return &OpGenerator{
		stream: NewByteStream(fuzzBytes),
		config: *cfg,
	}
}

// HasMore reports whether more operations can be generated.
func (g *OpGenerator) HasMore() bool {
	return g.stream.HasMore()
}

// opKind is the position of an op in the cumulative rate table.
type opKind int

const (
	kindInsert opKind = iota
	kindUpsert
	kindTouch
	kindGet
	kindDelete
	kindFindDelete
	kindPurge
	kindReattach
	kindLen
)

func (c *OpGenConfig) rates() []int {
	return []int{
		c.InsertRate, c.UpsertRate, c.TouchRate, c.GetRate,
		c.DeleteRate, c.FindDeleteRate, c.PurgeRate, c.ReattachRate,
	}
}

func (c *OpGenConfig) kindFor(choice int) opKind {
	cumulative := 0

	for i, rate := range c.rates() {
		cumulative += rate
		if choice < cumulative {
			return opKind(i)
		}
	}

	return kindLen
}

// NextOp generates the next operation.
//
// Byte order per op: choice, then key, then value bytes where the op has a
// value. Purge reads mod and remainder instead of a key.
func (g *OpGenerator) NextOp() Op {
	choice := int(g.stream.NextByte()) % 100

	switch g.config.kindFor(choice) {
	case kindInsert:
		return OpInsert{Key: g.nextKey(), Value: g.stream.NextBytes(ValueSize)}
	case kindUpsert:
		return OpUpsert{Key: g.nextKey(), Value: g.stream.NextBytes(ValueSize)}
	case kindTouch:
		return OpTouch{Key: g.nextKey()}
	case kindGet:
		return OpGet{Key: g.nextKey()}
	case kindDelete:
		return OpDelete{Key: g.nextKey()}
	case kindFindDelete:
		return OpFindDelete{Key: g.nextKey()}
	case kindPurge:
		mod := uint64(2 + g.stream.NextInt(6))

		return OpPurge{Mod: mod, Rem: uint64(g.stream.NextByte()) % mod}
	case kindReattach:
		return OpReattach{}
	default:
		return OpLen{}
	}
}

func (g *OpGenerator) nextKey() uint64 {
	return uint64(g.stream.NextInt(g.config.KeySpace))
}
