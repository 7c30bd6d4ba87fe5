package launcher

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
)

// Literal lines the launcher prints when it kills the supervised process
const (
	WallClockExceededLine = "Maximum wall clock time exceeded: sending SIGTERM then SIGKILL"
	MemoryExceededLine    = "Maximum memory exceeded: sending SIGTERM then SIGKILL"
)

// TagLinePrefix marks tag lines inside an instance output file
const TagLinePrefix = "runhelper."

var (
	realTimePattern    = regexp.MustCompile(`Real time \(s\): (.*)`)
	cpuTimePattern     = regexp.MustCompile(`CPU time \(s\): (.*)`)
	maxMemoryPattern   = regexp.MustCompile(`Max\. memory \(cumulated for all children\) \(KiB\): (.*)`)
	childStatusPattern = regexp.MustCompile(`Child status: (.*)`)
)

// ParseReport extracts resource usage from the launcher's standard output.
// The record starts with the instance id followed by real, cpu, ram, timeout,
// memout and status.
func ParseReport(instanceID, stdout string) (*record.Record, error) {
	rec := record.New()
	rec.Set(record.KeyInstance, instanceID)

	wall, err := parseFloatField(instanceID, stdout, realTimePattern, record.KeyReal)
	if err != nil {
		return nil, err
	}
	cpu, err := parseFloatField(instanceID, stdout, cpuTimePattern, record.KeyCPU)
	if err != nil {
		return nil, err
	}
	ram, err := parseIntField(instanceID, stdout, maxMemoryPattern, record.KeyRAM)
	if err != nil {
		return nil, err
	}
	timeout := strings.Contains(stdout, WallClockExceededLine)
	memout := strings.Contains(stdout, MemoryExceededLine)

	rec.Set(record.KeyReal, wall)
	rec.Set(record.KeyCPU, cpu)
	rec.Set(record.KeyRAM, ram)
	rec.Set(record.KeyTimeout, timeout)
	rec.Set(record.KeyMemout, memout)
	rec.Set(record.KeyStatus, parseStatus(stdout, timeout || memout))

	return rec, nil
}

// parseStatus returns the child exit status, or nil when it is unknown.
// An absent status on a run that was not killed counts as a clean exit.
func parseStatus(stdout string, killed bool) any {
	m := childStatusPattern.FindStringSubmatch(stdout)
	if m == nil {
		if killed {
			return nil
		}
		return int64(0)
	}
	status, err := strconv.ParseInt(strings.TrimSpace(m[1]), 10, 64)
	if err != nil {
		return nil
	}
	return status
}

func findField(instanceID, stdout string, pattern *regexp.Regexp, field string) (string, error) {
	m := pattern.FindStringSubmatch(stdout)
	if m == nil {
		return "", &sdkerrors.MalformedLauncherOutputError{InstanceID: instanceID, Field: field}
	}
	return strings.TrimSpace(m[1]), nil
}

func parseFloatField(instanceID, stdout string, pattern *regexp.Regexp, field string) (float64, error) {
	raw, err := findField(instanceID, stdout, pattern, field)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &sdkerrors.MalformedLauncherOutputError{InstanceID: instanceID, Field: field}
	}
	return v, nil
}

func parseIntField(instanceID, stdout string, pattern *regexp.Regexp, field string) (int64, error) {
	raw, err := findField(instanceID, stdout, pattern, field)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &sdkerrors.MalformedLauncherOutputError{InstanceID: instanceID, Field: field}
	}
	return v, nil
}

// ParseTagLog copies every "runhelper.<tag>=<value>" line from r into rec as raw strings.
// At most one tag is read per line; later occurrences of a tag overwrite earlier ones.
func ParseTagLog(r io.Reader, rec *record.Record) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		tag, value, ok := ParseTagLine(scanner.Text())
		if ok {
			rec.Set(tag, value)
		}
	}
	return scanner.Err()
}

// ParseTagLine extracts a tag and its raw value from one line of output.
// The prefix may appear anywhere in the line, e.g. after a log header.
func ParseTagLine(line string) (tag, value string, ok bool) {
	idx := strings.Index(line, TagLinePrefix)
	if idx < 0 {
		return "", "", false
	}
	rest := line[idx+len(TagLinePrefix):]
	eq := strings.IndexByte(rest, '=')
	if eq <= 0 {
		return "", "", false
	}
	return rest[:eq], strings.TrimSuffix(rest[eq+1:], "\r"), true
}
