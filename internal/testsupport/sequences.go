package testsupport

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Global counter for generating unique sequential IDs in tests
var testSequence = uint64(time.Now().UnixNano() % 1000000)

// NextSequence returns next unique sequence number
func NextSequence() uint64 {
	return atomic.AddUint64(&testSequence, 1)
}

// UniqueSubject generates an account id that cannot collide across test runs.
// The result never contains ':' so it is usable inside ledger keys.
func UniqueSubject(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, NextSequence())
}
