package utils

import (
	"errors"
	"flag"

	"github.com/kballard/go-shellquote"
)

const DefaultDirectoryPath = "./data"
const DefaultSegmentSizeMB = 64
const DefaultMaxSegments = 1024
const DefaultIndexSizeMB = 0
const DefaultPort = 6969

const OneMegabyte = 1024 * 1024

type CLIOptions struct {
	Directory   string
	SegmentSize uint64
	MaxSegments int
	IndexSize   uint64
	Port        int
	Truncate    bool
	Verbose     bool
}

func HandleCLIInputs() CLIOptions {
	directoryPath := flag.String("dir", DefaultDirectoryPath, "Directory Path to be used for this instance")
	segmentSizeInMB := flag.Int("segsize", DefaultSegmentSizeMB, "Max Segment File Size (in MB)")
	maxSegments := flag.Int("maxsegs", DefaultMaxSegments, "Max number of open segments")
	indexSizeInMB := flag.Int("idxsize", DefaultIndexSizeMB, "Max directory size per segment (in MB, 0 for the largest)")
	port := flag.Int("port", DefaultPort, "Port to use for the TCP Server")
	truncate := flag.Bool("truncate", false, "Cut a corrupt tail off the newest segment instead of refusing to start")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	return CLIOptions{
		Directory:   *directoryPath,
		SegmentSize: uint64(*segmentSizeInMB) * OneMegabyte,
		MaxSegments: *maxSegments,
		IndexSize:   uint64(*indexSizeInMB) * OneMegabyte,
		Port:        *port,
		Truncate:    *truncate,
		Verbose:     *verbose,
	}
}

var ErrTooManyArguments = errors.New("too many arguments: expected <command> [key] [value]")

// Splits a shell-like input line into a command, key and value.
// Quoting follows POSIX shell rules, so `set "a key" 'a value'` works.
func SplitStringIntoCommandAndArguments(line string) (cmd, key, value string, err error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return "", "", "", err
	}

	switch len(words) {
	case 0:
		return "", "", "", nil
	case 1:
		return words[0], "", "", nil
	case 2:
		return words[0], words[1], "", nil
	case 3:
		return words[0], words[1], words[2], nil
	}
	return "", "", "", ErrTooManyArguments
}
