package block

import "errors"

// ErrChecksumMismatch is returned when a decoded block's CRC32 does not
// match the value stored in its header. The read fails; the segment is not
// deleted or otherwise treated as corrupt at a coarser grain.
var ErrChecksumMismatch = errors.New("block: checksum mismatch")
