package core

import (
	"go.uber.org/zap"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/hashdir"
)

// Options tunes a Store. Zero values pick the largest allowed setting.
type Options struct {
	// SegmentSizeLimit is the size a log segment may reach before the
	// store rolls to a new one.
	SegmentSizeLimit uint64
	// MaxSegments bounds the number of open segments.
	MaxSegments int
	// IndexSizeLimit bounds the directory of one segment, in bytes.
	IndexSizeLimit uint64
	// TruncateCorruptTail cuts a torn tail off the newest segment on
	// open instead of failing.
	TruncateCorruptTail bool
	Logger              *zap.Logger
}

type Option func(*Options)

func WithSegmentSizeLimit(size uint64) Option {
	return func(o *Options) {
		o.SegmentSizeLimit = size
	}
}

func WithMaxSegments(n int) Option {
	return func(o *Options) {
		o.MaxSegments = n
	}
}

func WithIndexSizeLimit(size uint64) Option {
	return func(o *Options) {
		o.IndexSizeLimit = size
	}
}

func WithTruncateCorruptTail() Option {
	return func(o *Options) {
		o.TruncateCorruptTail = true
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = log
	}
}

// between returns v when it lies in [lo, hi], hi otherwise.
func between(lo, v, hi uint64) uint64 {
	if v >= lo && v <= hi {
		return v
	}
	return hi
}

// limits are the effective bounds derived from Options.
type limits struct {
	segmentSize uint64
	maxSegments int
	slots       int
}

func (o *Options) limits() limits {
	return limits{
		segmentSize: between(MinSegmentSize, o.SegmentSizeLimit, MaxSegmentSize),
		maxSegments: int(between(MinMaxSegments, uint64(max(o.MaxSegments, 0)), MaxMaxSegments)),
		slots:       int(between(MinIndexSlots, o.IndexSizeLimit/hashdir.ItemSize, MaxIndexSlots)),
	}
}

func newOptions(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
