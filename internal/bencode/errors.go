package bencode

import (
	"fmt"

	"github.com/kadcrawl/kadcrawl/internal/bterr"
)

var errProtocolShape = bterr.ErrProtocolViolation

func decodeErr(offset int, format string, args ...interface{}) error {
	return bterr.NewBencodeError(offset, fmt.Sprintf(format, args...))
}
