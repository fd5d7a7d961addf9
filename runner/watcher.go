package runner

import (
	"fmt"
	"os/exec"
	"strings"
)

// MemSampler reports the current resident memory of a process group.
// Used for peak tracking and ceiling enforcement; an implementation that
// errors degrades the attempt to "peak unknown", never a hard failure.
type MemSampler interface {
	SampleMiB(pgid int) (int, error)
}

// PSSampler sums RSS across a process group via ps, catching memory used by
// any children the tool forks (assuming none of them call setpgid).
type PSSampler struct{}

func (PSSampler) SampleMiB(pgid int) (int, error) {
	out, err := exec.Command("ps", "-e", "-o", "pgid=,rss=").Output()
	if err != nil {
		return 0, err
	}
	totalKB := 0
	found := false
	for _, line := range strings.Split(string(out), "\n") {
		var p, rss int
		if n, _ := fmt.Sscanf(strings.TrimSpace(line), "%d %d", &p, &rss); n != 2 {
			continue
		}
		if p == pgid {
			totalKB += rss
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("process group %d not present in ps output", pgid)
	}
	return totalKB / 1024, nil
}
