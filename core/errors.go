package core

import "github.com/0xRadioAc7iv/go-hamtkv/internal/dberr"

var (
	ErrNotFound       = dberr.ErrNotFound
	ErrIO             = dberr.ErrIO
	ErrCorrupt        = dberr.ErrCorrupt
	ErrBufferTooSmall = dberr.ErrBufferTooSmall
	ErrTooLarge       = dberr.ErrTooLarge
	ErrNotReady       = dberr.ErrNotReady
	ErrExhausted      = dberr.ErrExhausted
)
