package runtime

import (
	"errors"
	"testing"
)

type stubProbe struct {
	env  []string
	cmds []string
	err  error
}

func (p stubProbe) Environ() []string                   { return p.env }
func (p stubProbe) AncestorCommands() ([]string, error) { return p.cmds, p.err }

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe stubProbe
		want  Identity
	}{
		{
			name:  "explicit client and id",
			probe: stubProbe{env: []string{"LATCH_AGENT_CLIENT=Codex CLI", "LATCH_AGENT_ID=ci-bot"}},
			want:  Identity{ID: "ci-bot", Client: ClientCodex},
		},
		{
			name:  "legacy env names",
			probe: stubProbe{env: []string{"AGENT_2FA_CLIENT=openclaw", "AGENT_2FA_AGENT_ID=oc-1"}},
			want:  Identity{ID: "oc-1", Client: ClientOpenClaw},
		},
		{
			name:  "codex env marker",
			probe: stubProbe{env: []string{"CODEX_THREAD_ID=abc"}},
			want:  Identity{ID: "codex-adhoc", Client: ClientCodex},
		},
		{
			name:  "claude env prefix",
			probe: stubProbe{env: []string{"CLAUDECODE=1"}},
			want:  Identity{ID: "claude-code-adhoc", Client: ClientClaudeCode},
		},
		{
			name:  "ancestor command",
			probe: stubProbe{cmds: []string{"/bin/sh -c latch hook", "node /usr/lib/node_modules/@anthropic-ai/claude-code/cli.js"}},
			want:  Identity{ID: "claude-code-adhoc", Client: ClientClaudeCode},
		},
		{
			name:  "unrecognized explicit value falls through to ancestors",
			probe: stubProbe{env: []string{"LATCH_AGENT_CLIENT=other"}, cmds: []string{"openclaw run"}},
			want:  Identity{ID: "openclaw-adhoc", Client: ClientOpenClaw},
		},
		{
			name:  "probe failure",
			probe: stubProbe{err: errors.New("no proc")},
			want:  Identity{ID: "unknown-adhoc", Client: ClientUnknown},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.probe); got != tt.want {
				t.Errorf("Detect() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseStatPPID(t *testing.T) {
	t.Parallel()

	if got := parseStatPPID("1234 (my (weird) cmd) S 42 1234 1234 0 -1"); got != 42 {
		t.Errorf("parseStatPPID() = %d, want 42", got)
	}
	if got := parseStatPPID("garbage"); got != 0 {
		t.Errorf("parseStatPPID(garbage) = %d, want 0", got)
	}
}

func TestParsePSLine(t *testing.T) {
	t.Parallel()

	cmd, ppid, err := parsePSLine("   77 /usr/local/bin/codex exec --full-auto\n")
	if err != nil {
		t.Fatalf("parsePSLine() error = %v", err)
	}
	if ppid != 77 || cmd != "/usr/local/bin/codex exec --full-auto" {
		t.Errorf("parsePSLine() = (%q, %d)", cmd, ppid)
	}
	if _, _, err := parsePSLine(""); err == nil {
		t.Error("parsePSLine(empty) succeeded, want error")
	}
}

func TestSystemProbe_AncestorCommands(t *testing.T) {
	t.Parallel()

	cmds, err := SystemProbe{}.AncestorCommands()
	if err != nil {
		t.Skipf("process inspection unavailable: %v", err)
	}
	if len(cmds) == 0 {
		t.Skip("no ancestors visible")
	}
	if len(cmds) > maxAncestors {
		t.Errorf("len(cmds) = %d, want <= %d", len(cmds), maxAncestors)
	}
}
