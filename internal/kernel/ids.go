package kernel

import (
	"strconv"

	"github.com/danmuck/vatctl/internal/message"
)

// idAllocator hands out dynamic vat ids. Ids are never reused, including ids
// whose creation failed.
type idAllocator struct {
	next uint64
}

func newIDAllocator(first uint64) *idAllocator {
	return &idAllocator{next: first}
}

func (a *idAllocator) Next() message.VatID {
	id := message.FormatVatID(a.next)
	a.next++
	return id
}

// vatNumber orders ids numerically; malformed ids sort last.
func vatNumber(id message.VatID) uint64 {
	s := string(id)
	if len(s) < 2 {
		return ^uint64(0)
	}
	n, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil {
		return ^uint64(0)
	}
	return n
}
