package guest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Serial console markers. The init prints its output between them so the host
// can recover results when the vsock channel failed.
const (
	markerStdoutBegin = "---BENCHJAIL_STDOUT_BEGIN---"
	markerStdoutEnd   = "---BENCHJAIL_STDOUT_END---"
	markerStderrBegin = "---BENCHJAIL_STDERR_BEGIN---"
	markerStderrEnd   = "---BENCHJAIL_STDERR_END---"
	markerExitPrefix  = "---BENCHJAIL_EXIT_CODE:"
	markerSuffix      = "---"
	markerDone        = "---BENCHJAIL_DONE---"

	serialLineWidth = 76
)

// SerialReport is what can be recovered from the console.
type SerialReport struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// WriteSerialReport prints the report with base64 bodies so kernel messages
// interleaved on the console cannot corrupt it.
func WriteSerialReport(w io.Writer, stdout, stderr []byte, exitCode int) error {
	bw := bufio.NewWriter(w)
	writeBlock(bw, markerStdoutBegin, markerStdoutEnd, stdout)
	writeBlock(bw, markerStderrBegin, markerStderrEnd, stderr)
	fmt.Fprintf(bw, "\n%s%d%s\n%s\n", markerExitPrefix, exitCode, markerSuffix, markerDone)
	return bw.Flush()
}

func writeBlock(w *bufio.Writer, begin, end string, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	fmt.Fprintf(w, "\n%s\n", begin)
	for len(encoded) > 0 {
		n := min(serialLineWidth, len(encoded))
		w.WriteString(encoded[:n])
		w.WriteByte('\n')
		encoded = encoded[n:]
	}
	fmt.Fprintf(w, "%s\n", end)
}

// ParseSerialReport scans console output for a complete report. It returns
// false unless the done marker and an exit code were seen.
func ParseSerialReport(console []byte) (*SerialReport, bool) {
	var (
		report   SerialReport
		section  string
		body     strings.Builder
		haveExit bool
		done     bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(console))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == markerStdoutBegin || line == markerStderrBegin:
			section = line
			body.Reset()
		case line == markerStdoutEnd && section == markerStdoutBegin:
			report.Stdout = decodeBlock(body.String())
			section = ""
		case line == markerStderrEnd && section == markerStderrBegin:
			report.Stderr = decodeBlock(body.String())
			section = ""
		case strings.HasPrefix(line, markerExitPrefix) && strings.HasSuffix(line, markerSuffix):
			code, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, markerExitPrefix), markerSuffix))
			if err == nil {
				report.ExitCode = code
				haveExit = true
			}
		case line == markerDone:
			done = true
		case section != "" && isBase64Line(line):
			body.WriteString(line)
		}
	}
	if !done || !haveExit {
		return nil, false
	}
	return &report, true
}

func decodeBlock(s string) []byte {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}

func isBase64Line(line string) bool {
	if line == "" || len(line) > serialLineWidth {
		return false
	}
	for _, r := range line {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/', r == '=':
		default:
			return false
		}
	}
	return true
}
