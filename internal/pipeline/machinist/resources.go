package machinist

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// freeMemoryBytes reads MemAvailable from /proc/meminfo. Returns -1 when
// the value cannot be determined, which disables the guard rather than
// refusing every job on non-Linux hosts.
func freeMemoryBytes() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return -1
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return -1
		}
		return kb * 1024
	}
	return -1
}
