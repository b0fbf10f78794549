//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartUnix returns the process start time as Unix seconds, or 0 when it
// cannot be determined. Callers compare it against a recorded value to
// detect pid reuse.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return linuxStartUnix(pid)
	}
	// Darwin/BSD: gopsutil uses sysctl under the hood
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

var (
	bootOnce  sync.Once
	bootTime  int64
	clockTick int64
)

// linuxBoot reads btime from /proc/stat and the clock tick rate once.
func linuxBoot() (int64, int64) {
	bootOnce.Do(func() {
		clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
		if err != nil || clk <= 0 {
			clk = 100
		}
		clockTick = clk
		f, err := os.Open("/proc/stat")
		if err != nil {
			return
		}
		defer func() { _ = f.Close() }()
		s := bufio.NewScanner(f)
		for s.Scan() {
			if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
				bootTime, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
				return
			}
		}
	})
	return bootTime, clockTick
}

// linuxStartUnix reads starttime (field 22, clock ticks since boot) from
// /proc/<pid>/stat.
func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces; it ends at the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	btime, clk := linuxBoot()
	if btime == 0 {
		return 0
	}
	return btime + ticks/clk
}
