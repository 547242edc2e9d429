// Package xid mints roughly time-ordered identifiers for domain entities.
package xid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// seq starts at a random offset so IDs from different process runs do not
// collide even inside the same millisecond.
var seq = func() *atomic.Uint64 {
	var c atomic.Uint64
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err == nil {
		c.Store(binary.BigEndian.Uint64(buf[:]))
	} else {
		c.Store(uint64(time.Now().UnixNano()))
	}
	return &c
}()

// New returns "<prefix>-<millis base36>-<counter hex>". The timestamp keeps
// IDs roughly sortable by creation; the counter keeps them unique.
func New(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("%s-%s-%012x", prefix, ts, seq.Add(1)&0xffffffffffff)
}
