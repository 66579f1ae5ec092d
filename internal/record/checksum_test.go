package record

import (
	"hash/adler32"
	"testing"
)

func TestChecksum(t *testing.T) {
	var data = []byte("language")

	want := adler32.Checksum(data)

	t.Run("Checksum computes expected adler32", func(t *testing.T) {
		got := Checksum(data)
		if got != want {
			t.Errorf("Checksum() = %v, want %v", got, want)
		}
	})

	t.Run("empty input has checksum one", func(t *testing.T) {
		if got := Checksum(nil); got != 1 {
			t.Errorf("Checksum(nil) = %v, want 1", got)
		}
	})

	t.Run("ValidateChecksum returns false for mismatched checksum", func(t *testing.T) {
		if ValidateChecksum(data, want+1) {
			t.Errorf("ValidateChecksum() returned true for wrong checksum")
		}
	})
}
