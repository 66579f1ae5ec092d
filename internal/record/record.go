package record

import (
	"encoding/binary"
	"fmt"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"
)

type Kind uint32

const (
	KindSet    Kind = 0xADD0BEEF
	KindDelete Kind = 0xDE70BEEF
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "SET"
	case KindDelete:
		return "DEL"
	}
	return fmt.Sprintf("Kind(%#08x)", uint32(k))
}

// Magic (4) + KeySize (4) + KeySum (4) + ValueSize (4) + ValueSum (4)
const HeaderSize = 20

// AlignShift is the log2 of the on-disk alignment unit.
const AlignShift = 5

// Align is the unit every packed record is padded to.
const Align = 1 << AlignShift

const paddingByte = ' '

var (
	ErrBadMagic = fmt.Errorf("%w: invalid record magic", dberr.ErrCorrupt)
	ErrTooShort = fmt.Errorf("%w: record truncated", dberr.ErrCorrupt)
	ErrChecksum = fmt.Errorf("%w: record checksum mismatch", dberr.ErrCorrupt)
)

type Record struct {
	Kind  Kind
	Key   []byte
	Value []byte // nil for KindDelete
}

func Set(key, value []byte) Record {
	return Record{Kind: KindSet, Key: key, Value: value}
}

func Delete(key []byte) Record {
	return Record{Kind: KindDelete, Key: key}
}

// Padding returns how many bytes round n up to the alignment unit.
func Padding(n uint64) uint64 {
	return (Align - n%Align) & (Align - 1)
}

// PackedSize is the aligned on-disk size of a record.
func PackedSize(keySize, valueSize int) uint64 {
	n := uint64(HeaderSize + keySize + valueSize)
	return n + Padding(n)
}

// Pack encodes a record into a freshly allocated buffer.
func Pack(rec Record) []byte {
	return AppendPacked(make([]byte, 0, PackedSize(len(rec.Key), len(rec.Value))), rec)
}

// AppendPacked appends the encoded record to dst.
//
// Layout (little endian):
//
//	<magic:u32><key_len:u32><key_sum:u32><value_len:u32><value_sum:u32><key><value><padding>
func AppendPacked(dst []byte, rec Record) []byte {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(rec.Kind))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(rec.Key)))
	binary.LittleEndian.PutUint32(header[8:], Checksum(rec.Key))
	binary.LittleEndian.PutUint32(header[12:], uint32(len(rec.Value)))
	binary.LittleEndian.PutUint32(header[16:], Checksum(rec.Value))

	dst = append(dst, header[:]...)
	dst = append(dst, rec.Key...)
	dst = append(dst, rec.Value...)
	for pad := Padding(uint64(HeaderSize + len(rec.Key) + len(rec.Value))); pad > 0; pad-- {
		dst = append(dst, paddingByte)
	}
	return dst
}

// Unpack decodes the record at the start of buf. The returned length
// includes padding, so it can be used to step to the next record. The
// key and value alias buf.
func Unpack(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, ErrTooShort
	}
	kind := Kind(binary.LittleEndian.Uint32(buf[0:]))
	if kind != KindSet && kind != KindDelete {
		return Record{}, 0, ErrBadMagic
	}
	if len(buf) < HeaderSize {
		return Record{}, 0, ErrTooShort
	}

	keySize := uint64(binary.LittleEndian.Uint32(buf[4:]))
	keySum := binary.LittleEndian.Uint32(buf[8:])
	valueSize := uint64(binary.LittleEndian.Uint32(buf[12:]))
	valueSum := binary.LittleEndian.Uint32(buf[16:])

	end := HeaderSize + keySize + valueSize
	if uint64(len(buf)) < end {
		return Record{}, 0, ErrTooShort
	}
	key := buf[HeaderSize : HeaderSize+keySize]
	value := buf[HeaderSize+keySize : end]

	if !ValidateChecksum(key, keySum) || !ValidateChecksum(value, valueSum) {
		return Record{}, 0, ErrChecksum
	}

	n := end + Padding(end)
	if n > uint64(len(buf)) {
		return Record{}, 0, ErrTooShort
	}

	rec := Record{Kind: kind, Key: key}
	if kind == KindSet {
		rec.Value = value
	}
	return rec, int(n), nil
}
