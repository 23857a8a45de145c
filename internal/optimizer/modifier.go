package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// ModifierPhase names which contract the external modifier should
// honor for this call.
type ModifierPhase string

const (
	ModifierRefine      ModifierPhase = "refine"
	ModifierRestructure ModifierPhase = "restructure"
)

// ModifierRequest is the prompt context written to the subprocess's
// stdin (JSON), built from current metrics, trade analysis, explored
// ranges, pending hypotheses, and approach history (spec §4.11 step 6).
type ModifierRequest struct {
	Phase             ModifierPhase           `json:"phase"`
	Iteration         int                     `json:"iteration"`
	CurrentMetrics    any                     `json:"currentMetrics"`
	TradeAnalysis     any                     `json:"tradeAnalysis,omitempty"`
	ExploredRanges    map[string][]float64    `json:"exploredRanges"`
	NeverWorked       []types.NeverWorked     `json:"neverWorked"`
	PendingHypotheses []types.PendingHypothesis `json:"pendingHypotheses"`
	Approaches        []types.ApproachRecord  `json:"approaches"`
	Task              string                  `json:"task"`
}

// ModifierResponse is the refine-phase contract: a JSON blob the
// modifier writes to stdout with the parameter overrides it proposes.
// The source file is never touched in this contract.
type ModifierResponse struct {
	ParamOverrides map[string]float64 `json:"paramOverrides"`
	Note           string             `json:"note,omitempty"`
	BriefPath      string             `json:"briefPath,omitempty"` // set only in research phase
}

// Modifier runs the external code-modifying subprocess and parses its
// response. Grounded on spec §4.11/§9: a scoped subprocess with an
// enforced timeout and a SIGTERM-then-SIGKILL escalation, built fresh
// on os/exec + context.WithTimeout (the teacher ships no equivalent
// external-process contract).
type Modifier struct {
	// Command is the executable invoked for a modifier call (e.g. a
	// wrapper script around an LLM-backed code editor).
	Command string
	Args    []string

	RefineTimeout      time.Duration
	RestructureTimeout time.Duration

	// KillGrace is how long to wait after SIGTERM before escalating to
	// SIGKILL.
	KillGrace time.Duration
}

func (m *Modifier) timeoutFor(phase ModifierPhase) time.Duration {
	if phase == ModifierRestructure {
		if m.RestructureTimeout > 0 {
			return m.RestructureTimeout
		}
		return 1800 * time.Second
	}
	if m.RefineTimeout > 0 {
		return m.RefineTimeout
	}
	return 900 * time.Second
}

// Run invokes the modifier subprocess with req on stdin, enforcing the
// phase timeout with SIGTERM-then-SIGKILL escalation, and parses its
// stdout as a ModifierResponse.
func (m *Modifier) Run(ctx context.Context, req ModifierRequest) (ModifierResponse, error) {
	var resp ModifierResponse

	timeout := m.timeoutFor(req.Phase)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("optimizer: marshal modifier request: %w", err)
	}

	cmd := exec.CommandContext(runCtx, m.Command, m.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return resp, types.WrapFatal(fmt.Errorf("optimizer: start modifier: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			if runCtx.Err() != nil {
				return resp, types.WrapTimeout(fmt.Errorf("modifier timed out: %s", stderr.String()))
			}
			return resp, types.ClassifyByMessage(fmt.Errorf("modifier failed: %w: %s", err, stderr.String()))
		}
	case <-runCtx.Done():
		m.escalateKill(cmd)
		<-done
		return resp, types.WrapTimeout(fmt.Errorf("modifier exceeded %s timeout", timeout))
	}

	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return resp, types.WrapFatal(fmt.Errorf("optimizer: parse modifier response: %w", err))
	}
	return resp, nil
}

// escalateKill sends SIGTERM, waits KillGrace, then SIGKILL if the
// process hasn't exited. Lock release / process cleanup is guaranteed
// regardless of which signal actually stops it.
func (m *Modifier) escalateKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	grace := m.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C
	_ = cmd.Process.Kill()
}

// IterationMetadata is the repair-tolerant structured summary the
// modifier writes per iteration (spec §4.11 step 8), read with
// best-effort parsing; absence is non-fatal.
type IterationMetadata struct {
	Param      string  `json:"param,omitempty"`
	From       float64 `json:"from,omitempty"`
	To         float64 `json:"to,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Hypothesis string  `json:"hypothesis,omitempty"`
}

// ParseIterationMetadata best-effort parses an iter{N}-metadata.json
// blob. A parse failure returns the zero value and no error — the
// caller treats absence/corruption as non-fatal per spec.
func ParseIterationMetadata(raw []byte) IterationMetadata {
	var m IterationMetadata
	_ = json.Unmarshal(raw, &m)
	return m
}
