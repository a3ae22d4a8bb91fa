package supervisor

import (
	"bufio"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// processListSeparator splits the /proc scan from the listener table in the
// output of findCommand.
const processListSeparator = "--listeners--"

var (
	ssPID      = regexp.MustCompile(`pid=(\d+)`)
	netstatPID = regexp.MustCompile(`^(\d+)/`)
)

type listener struct {
	port int
	pids []int
}

// parseProcessListing reads "pid <n>" lines, the separator, then the output
// of `ss -Htlnp` or `netstat -tlnp`.
func parseProcessListing(out string) (pids []int, listeners []listener) {
	seen := make(map[int]bool)
	inListeners := false
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == processListSeparator {
			inListeners = true
			continue
		}
		if !inListeners {
			if rest, ok := strings.CutPrefix(line, "pid "); ok {
				if pid, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && pid > 0 && !seen[pid] {
					seen[pid] = true
					pids = append(pids, pid)
				}
			}
			continue
		}
		if l, ok := parseListener(line); ok {
			listeners = append(listeners, l)
		}
	}
	sort.Ints(pids)
	return pids, listeners
}

// parseListener understands both
//
//	LISTEN 0 511 0.0.0.0:8001 0.0.0.0:* users:(("node",pid=123,fd=21))
//	tcp 0 0 0.0.0.0:8001 0.0.0.0:* LISTEN 123/node
func parseListener(line string) (listener, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return listener{}, false
	}
	port, ok := portOf(fields[3])
	if !ok {
		return listener{}, false
	}
	l := listener{port: port}
	for _, m := range ssPID.FindAllStringSubmatch(line, -1) {
		if pid, err := strconv.Atoi(m[1]); err == nil {
			l.pids = append(l.pids, pid)
		}
	}
	if len(l.pids) == 0 {
		if m := netstatPID.FindStringSubmatch(fields[len(fields)-1]); m != nil {
			if pid, err := strconv.Atoi(m[1]); err == nil {
				l.pids = append(l.pids, pid)
			}
		}
	}
	return l, true
}

// portOf extracts the port of an address such as 0.0.0.0:80, [::]:80 or *:80.
func portOf(addr string) (int, bool) {
	i := strings.LastIndexAny(addr, ":.")
	if i < 0 || i == len(addr)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// pickHandle chooses the lowest listening port owned by one of pids.
func pickHandle(pids []int, listeners []listener) (pid, port int) {
	owned := make(map[int]bool, len(pids))
	for _, p := range pids {
		owned[p] = true
	}
	for _, l := range listeners {
		for _, p := range l.pids {
			if owned[p] && (port == 0 || l.port < port) {
				pid, port = p, l.port
			}
		}
	}
	if port == 0 && len(pids) > 0 {
		pid = pids[0]
	}
	return pid, port
}

// parseKeyValues reads key=value lines.
func parseKeyValues(out string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			kv[k] = v
		}
	}
	return kv
}
