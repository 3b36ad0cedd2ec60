package common

import "errors"

// ErrCorruption marks on-disk data that failed structural or checksum
// validation. Callers match it with errors.Is.
var ErrCorruption = errors.New("corruption")
