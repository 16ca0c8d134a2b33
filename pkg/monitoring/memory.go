package monitoring

import (
	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/mem"
)

// VirtualMemory returns total and available host memory in bytes.
func VirtualMemory() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}
