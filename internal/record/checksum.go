package record

import "hash/adler32"

// Checksum computes the Adler-32 checksum stored in record headers.
func Checksum(data []byte) uint32 {
	return adler32.Checksum(data)
}

// ValidateChecksum returns true if the provided checksum matches the
// computed Adler-32 of data.
func ValidateChecksum(data []byte, checksum uint32) bool {
	return Checksum(data) == checksum
}
