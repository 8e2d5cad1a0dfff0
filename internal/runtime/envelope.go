package runtime

import (
	"fmt"

	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
)

// Position locates an envelope in its stream. Offsets are unique and
// increasing within a (Topic, Partition).
type Position struct {
	Topic     string `json:"topic,omitempty"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s[%d]@%d", p.Topic, p.Partition, p.Offset)
}

// Envelope is one stream message. A nil Value is the empty state rejected by
// DefaultFilter.
type Envelope[K, V any] struct {
	Key      K
	Value    *V
	Position Position
	Metadata metadatapkg.Metadata
}

// ResponseRecord is the successful outcome of one lane.
type ResponseRecord struct {
	Listener string
	Position Position
	Result   any

	// AddressOverride replaces the listener's base channel for this record.
	AddressOverride string
	// Address is the resolved storage key and notification channel.
	Address string

	CorrelationID string
}

// AddressNamer derives a response address from a base channel and a position.
type AddressNamer func(base string, pos Position) string

// Address returns "{base}:{partition}:{offset}".
func Address(base string, pos Position) string {
	return fmt.Sprintf("%s:%d:%d", base, pos.Partition, pos.Offset)
}

// resolveAddress applies the override, falling back to base, and names the
// result with namer (Address when nil).
func resolveAddress(namer AddressNamer, base, override string, pos Position) string {
	if override != "" {
		base = override
	}
	if namer == nil {
		namer = Address
	}
	return namer(base, pos)
}
