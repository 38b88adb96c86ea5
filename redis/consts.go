package redis

const CRLF = "\r\n"

const (
	StatusPrefix  = '+'
	ErrorPrefix   = '-'
	IntegerPrefix = ':'
	BulkPrefix    = '$'
	ArrayPrefix   = '*'
)

var (
	NullBulkBytes  = []byte("$-1\r\n")
	NullArrayBytes = []byte("*-1\r\n")
)
