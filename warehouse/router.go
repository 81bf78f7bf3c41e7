package warehouse

// CatchAll is the partition for addresses without a zip code
const CatchAll = "x"

// Partitions lists all partition ids in scan order
var Partitions = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", CatchAll}

const zipLen = 5

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// PartitionFor returns partition id for a record with a given address.
// It finds the first run of 5 digits in the address (a zip code) and
// returns its first digit. Returns CatchAll if there's no such run.
func PartitionFor(address string) string {
	run := 0
	for i := 0; i < len(address); i++ {
		if !isDigit(address[i]) {
			run = 0
			continue
		}
		run++
		if run == zipLen {
			start := i - zipLen + 1
			return address[start : start+1]
		}
	}
	return CatchAll
}

// IsPartition returns true if p is a valid partition id
func IsPartition(p string) bool {
	if p == CatchAll {
		return true
	}
	return len(p) == 1 && isDigit(p[0])
}

// PartitionFileName returns name of the file of partition p, relative to the warehouse dir
func PartitionFileName(p string) string {
	return p + ".csv"
}
