package blobid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"sync/atomic"
)

var (
	// machineID is a 3-byte identifier for this machine.
	machineID = readMachineID()

	// counter is atomically incremented per fragment (3 bytes used).
	counter = readRandomUint32()
)

// NewFragment mints a sixteen character hex fragment: three bytes of
// machine identity, two of process id and three of an atomic counter.
// Fragments minted within the same second stay distinct across
// machines, processes and goroutines without coordination.
func NewFragment() string {
	var b [8]byte
	copy(b[0:3], machineID[:])
	binary.BigEndian.PutUint16(b[3:5], uint16(os.Getpid()))
	c := atomic.AddUint32(&counter, 1)
	b[5] = byte(c >> 16)
	b[6] = byte(c >> 8)
	b[7] = byte(c)
	return hex.EncodeToString(b[:])
}

func readMachineID() [3]byte {
	var mid [3]byte
	hostname, err := os.Hostname()
	if err != nil {
		_, _ = io.ReadFull(rand.Reader, mid[:])
		return mid
	}
	hw := make([]byte, 32)
	copy(hw, hostname)
	copy(mid[:], hw[:3])
	return mid
}

func readRandomUint32() uint32 {
	var b [4]byte
	_, _ = io.ReadFull(rand.Reader, b[:])
	return binary.BigEndian.Uint32(b[:])
}
