package core

const (
	OneMegabyte = 1024 * 1024 // 1024 (1KB) * 1024 => 1MB
	OneGigabyte = 1024 * OneMegabyte

	MinSegmentSize = 4096
	MaxSegmentSize = 1 << 32 // offsets in a directory item cover 4 GiB

	MinMaxSegments = 2
	MaxMaxSegments = 1 << 16 // trie items carry a 16-bit ring remainder

	MinIndexSlots = 2
	MaxIndexSlots = 1 << 23

	// gcFlushItems is how many records a GC round packs per batch.
	gcFlushItems = 1024
)
