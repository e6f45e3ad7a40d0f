package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// maxAncestors bounds the walk up the process tree. Agents usually launch
// hooks through a shell, so the agent is the parent or grandparent.
const maxAncestors = 4

// SystemProbe inspects the live process tree through /proc when present,
// falling back to ps(1).
type SystemProbe struct{}

var _ Probe = SystemProbe{}

// Environ returns os.Environ().
func (SystemProbe) Environ() []string {
	return os.Environ()
}

// AncestorCommands walks up from the parent process.
func (SystemProbe) AncestorCommands() ([]string, error) {
	var cmds []string
	pid := os.Getppid()
	for i := 0; i < maxAncestors && pid > 1; i++ {
		cmd, ppid, err := inspect(pid)
		if err != nil {
			if len(cmds) > 0 {
				return cmds, nil
			}
			return nil, err
		}
		cmds = append(cmds, cmd)
		pid = ppid
	}
	return cmds, nil
}

func inspect(pid int) (cmd string, ppid int, err error) {
	if _, statErr := os.Stat("/proc/self/stat"); statErr == nil {
		return inspectProc(pid)
	}
	return inspectPS(pid)
}

func inspectProc(pid int) (string, int, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", 0, fmt.Errorf("read cmdline of %d: %w", pid, err)
	}
	cmd := strings.TrimSpace(string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})))

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return cmd, 0, nil
	}
	return cmd, parseStatPPID(string(stat)), nil
}

// parseStatPPID extracts field 4 of /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so parsing starts after the last ')'.
func parseStatPPID(stat string) int {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 2 {
		return 0
	}
	ppid, _ := strconv.Atoi(fields[1])
	return ppid
}

func inspectPS(pid int) (string, int, error) {
	out, err := exec.Command("ps", "-o", "ppid=", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", 0, fmt.Errorf("ps %d: %w", pid, err)
	}
	return parsePSLine(string(out))
}

func parsePSLine(line string) (string, int, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", 0, errors.New("empty ps output")
	}
	ppidStr, cmd, _ := strings.Cut(line, " ")
	ppid, err := strconv.Atoi(strings.TrimSpace(ppidStr))
	if err != nil {
		return "", 0, fmt.Errorf("parse ppid %q: %w", ppidStr, err)
	}
	return strings.TrimSpace(cmd), ppid, nil
}
