package audit

import "encoding/binary"

// Partition implements the deterministic partition key:
// SHA256(node_id|trace_id|source)[0:4] mod partition_count. Being
// deterministic per business key means retries land on the same
// partition, preserving per-partition ordering.
func Partition(nodeID, traceID, source string, partitionCount int) int {
	key := nodeID + "|" + traceID + "|" + source
	sum := SHA256Hex([]byte(key))
	// SHA256Hex returns hex; take the first 4 raw bytes' worth (8 hex
	// chars) and interpret as a big-endian uint32.
	var raw [4]byte
	for i := 0; i < 4; i++ {
		raw[i] = hexByte(sum[i*2], sum[i*2+1])
	}
	n := binary.BigEndian.Uint32(raw[:])
	return int(n % uint32(partitionCount))
}

func hexByte(hi, lo byte) byte {
	return hexNibble(hi)<<4 | hexNibble(lo)
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
