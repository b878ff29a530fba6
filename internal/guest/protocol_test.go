package guest

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNonce(t *testing.T) []byte {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	return nonce
}

func TestChannelExchange(t *testing.T) {
	t.Parallel()

	hostSide, guestSide := net.Pipe()
	host := NewConn(hostSide, 1<<20)
	guestConn := NewConn(guestSide, 1<<20)
	defer host.Close()
	defer guestConn.Close()

	nonce := testNonce(t)
	params := Params{RunID: "job-1", Nonce: nonce, Env: []string{"A=1"}}

	errCh := make(chan error, 1)
	go func() {
		errCh <- host.SendParams(params)
	}()

	got, err := guestConn.ReceiveParams()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	if diff := cmp.Diff(params, got); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}

	sent := &Results{
		RunID:      "job-1",
		Success:    true,
		Metrics:    []Metric{{Name: "latency_ns", Value: 42.5, Unit: "ns"}},
		Stdout:     []byte("hello\n"),
		DurationNS: uint64(time.Second),
	}
	go func() {
		errCh <- guestConn.SendResults(sent)
	}()

	received, err := host.ReceiveResults()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	if diff := cmp.Diff(sent, received); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, received.Validate("job-1", 0))
}

func TestReceiveResultsRejectsForeignNonce(t *testing.T) {
	t.Parallel()

	hostSide, guestSide := net.Pipe()
	host := NewConn(hostSide, 1<<20)
	defer host.Close()
	defer guestSide.Close()

	hostNonce := testNonce(t)
	go func() {
		_ = host.SendParams(Params{RunID: "job-1", Nonce: hostNonce})
	}()

	// A guest that never saw this job's nonce signs with its own.
	imposter := NewConn(guestSide, 1<<20)
	_, err := imposter.ReceiveParams()
	require.NoError(t, err)
	imposter.nonce = testNonce(t)

	go func() {
		_ = imposter.SendResults(&Results{RunID: "job-1", Success: true})
	}()

	_, err = host.ReceiveResults()
	require.Error(t, err)
	assert.True(t, IsAuthentication(err), "error = %v, want authentication failure", err)
}

func TestSendResultsRequiresParams(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := NewConn(a, 0).SendResults(&Results{})
	require.Error(t, err)
	assert.True(t, IsAuthentication(err))
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameResults, make([]byte, 2048)))

	_, _, err := ReadFrame(&buf, 1024)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "error = %v", err)
	assert.Equal(t, ErrKindFrameTooLarge, perr.Kind)
}

func TestReadTypedRejectsWrongKind(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeTyped(&buf, FrameResults, signedResults{}))

	var p Params
	err := readTyped(&buf, FrameParams, 1<<20, &p)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "error = %v", err)
	assert.Equal(t, ErrKindUnexpectedFrame, perr.Kind)
}

func TestResultsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		results Results
		wantErr string
	}{
		{name: "ok", results: Results{RunID: "r", Metrics: []Metric{{Name: "x", Value: 1}}}},
		{name: "run id", results: Results{RunID: "other"}, wantErr: "run_id"},
		{name: "nan", results: Results{RunID: "r", Metrics: []Metric{{Name: "x", Value: math.NaN()}}}, wantErr: "not finite"},
		{name: "empty name", results: Results{RunID: "r", Metrics: []Metric{{Name: " ", Value: 1}}}, wantErr: "empty"},
		{name: "too much output", results: Results{RunID: "r", Stdout: make([]byte, 20)}, wantErr: "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.results.Validate("r", 16)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnectRetriesUntilContextDone(t *testing.T) {
	t.Parallel()

	attempts := 0
	dial := func(context.Context, uint32) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, dial, PortControl, 0)
	require.Error(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "error = %v", err)
}

func TestSerialReportSurvivesKernelNoise(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteString("[    0.000000] Linux version 6.1\n")
	stdout := bytes.Repeat([]byte("result line\n"), 20)
	require.NoError(t, WriteSerialReport(&buf, stdout, []byte("warn\n"), 137))

	// Interleave a kernel message inside the stdout block.
	console := strings.Replace(buf.String(), markerStdoutBegin+"\n", markerStdoutBegin+"\n[    1.2] random: crng init done\n", 1)

	report, ok := ParseSerialReport([]byte(console))
	require.True(t, ok)
	assert.Equal(t, stdout, report.Stdout)
	assert.Equal(t, []byte("warn\n"), report.Stderr)
	assert.Equal(t, 137, report.ExitCode)
}

func TestSerialReportIncomplete(t *testing.T) {
	t.Parallel()

	_, ok := ParseSerialReport([]byte(markerStdoutBegin + "\naGk=\n" + markerStdoutEnd + "\n"))
	assert.False(t, ok)
}

func TestReadMetrics(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`{"name":"latency_ns","value":12.5,"unit":"ns"}`,
		`not json`,
		``,
		`{"name":"","value":1}`,
		`{"name":"ops","value":1000}`,
	}, "\n")

	metrics, skipped, err := ReadMetrics(strings.NewReader(input), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, metrics, 2)
	assert.Equal(t, "latency_ns", metrics[0].Name)
	assert.Equal(t, 1000.0, metrics[1].Value)
}

func TestExitCodeFromSignal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 137, ExitCodeFromSignal(9))
}
