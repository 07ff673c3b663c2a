package solver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// ProtocolVersion is the Request.Version written by this package.
const ProtocolVersion = 1

// Exit statuses with a defined meaning.
const (
	ExitInsufficient = 3
	ExitDegenerate   = 4
)

// DefaultTimeout bounds a solver run when Exec.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// Request is written to the solver's stdin.
type Request struct {
	Version int                         `json:"version"`
	Set     *calibration.ObservationSet `json:"observation_set"`
}

// Response is read from the solver's stdout.
type Response struct {
	Parameters map[l1events.CameraID]calibration.CameraParameters `json:"parameters"`
	// Error is empty on success, or "insufficient" / "degenerate".
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Exec runs an external solver for every save.
type Exec struct {
	Command string
	Args    []string
	Timeout time.Duration
	// Builder creates processes; nil means RealCommandBuilder.
	Builder CommandBuilder
}

var _ calibration.Estimator = (*Exec)(nil)

// Estimate runs the solver on set.
func (e *Exec) Estimate(ctx context.Context, set *calibration.ObservationSet) (map[l1events.CameraID]calibration.CameraParameters, error) {
	if e.Command == "" {
		return nil, errors.New("solver: no command configured")
	}
	in, err := json.Marshal(Request{Version: ProtocolVersion, Set: set})
	if err != nil {
		return nil, fmt.Errorf("solver: encoding request: %w", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	builder := e.Builder
	if builder == nil {
		builder = RealCommandBuilder{}
	}
	cmd := builder.BuildCommand(ctx, e.Command, e.Args...)
	cmd.SetStdin(in)

	start := time.Now()
	out, runErr := cmd.Run()
	diagf("%s ran for %v on %d camera(s), %d bytes in, %d bytes out",
		e.Command, time.Since(start).Round(time.Millisecond), len(set.Observations), len(in), len(out))

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("solver %s: %w", e.Command, ctxErr)
		}
		var coded interface{ ExitCode() int }
		if errors.As(runErr, &coded) {
			detail := stderrOf(runErr)
			switch coded.ExitCode() {
			case ExitInsufficient:
				return nil, fmt.Errorf("solver %s: %w%s", e.Command, calibration.ErrInsufficientData, detail)
			case ExitDegenerate:
				return nil, fmt.Errorf("solver %s: %w%s", e.Command, calibration.ErrDegenerate, detail)
			}
			// a structured response still takes precedence over the status
			if resp, ok := decode(out); ok && resp.Error != "" {
				return nil, resp.err(e.Command)
			}
			return nil, fmt.Errorf("solver %s: exit status %d%s", e.Command, coded.ExitCode(), detail)
		}
		return nil, fmt.Errorf("solver %s: %w", e.Command, runErr)
	}

	resp, ok := decode(out)
	if !ok {
		return nil, fmt.Errorf("solver %s: malformed response %q", e.Command, truncate(out, 80))
	}
	if resp.Error != "" {
		return nil, resp.err(e.Command)
	}
	for cam := range set.Observations {
		p, ok := resp.Parameters[cam]
		if !ok {
			return nil, fmt.Errorf("solver %s: no parameters for camera %q", e.Command, cam)
		}
		if p.Camera == "" {
			p.Camera = cam
			resp.Parameters[cam] = p
		}
	}
	opsf("%s calibrated %d camera(s)", e.Command, len(resp.Parameters))
	return resp.Parameters, nil
}

func decode(out []byte) (Response, bool) {
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func (r Response) err(command string) error {
	msg := ""
	if r.Message != "" {
		msg = ": " + r.Message
	}
	switch strings.ToLower(r.Error) {
	case "insufficient":
		return fmt.Errorf("solver %s: %w%s", command, calibration.ErrInsufficientData, msg)
	case "degenerate":
		return fmt.Errorf("solver %s: %w%s", command, calibration.ErrDegenerate, msg)
	default:
		return fmt.Errorf("solver %s: %s%s", command, r.Error, msg)
	}
}

func stderrOf(err error) string {
	var s []byte
	var execErr *exec.ExitError
	var mockErr *MockExitError
	switch {
	case errors.As(err, &execErr):
		s = execErr.Stderr
	case errors.As(err, &mockErr):
		s = mockErr.Stderr
	}
	if len(s) == 0 {
		return ""
	}
	return ": " + truncate(s, 200)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
