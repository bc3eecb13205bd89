// Package unix holds concrete Command and Event implementations for
// common unix shell tools, the equivalent of the reference
// implementation's moler.cmd.unix package.
//
// Ping is grounded on original_source/moler/cmd/unix/ping.py: the same
// two terminating regexes, the same accumulated-result field names,
// and the same "only a transmitted/received/loss summary line and a
// min/avg/max/mdev line are needed to build the result" contract.
package unix

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/nokia/moler/connection"
	"github.com/nokia/moler/observer"
	"github.com/nokia/moler/scheduler"
)

var (
	reTransRecvLossTime = regexp.MustCompile(
		`(?P<transmitted>\d+)\s+packets transmitted,\s+(?P<received>\d+)\s+(packets\s+)?received,.*?(?P<loss>[\d.]+)%\s+packet loss,?\s*(time\s+(?P<time>\d+)\s*ms)?`)
	reMinAvgMaxMdevUnitTime = regexp.MustCompile(
		`(?:rtt|round-trip)\s+min/avg/max/mdev\s*=\s*(?P<min>[\d.]+)/(?P<avg>[\d.]+)/(?P<max>[\d.]+)/(?P<mdev>[\d.]+)\s*(?P<unit>\w+)`)
)

// PingResult is the structured outcome of a Ping command, mirroring
// the reference implementation's COMMAND_RESULT fixture field names.
type PingResult struct {
	PacketsTransmitted int
	PacketsReceived    int
	PacketLoss         float64
	Time               int
	TimeMin            float64
	TimeAvg            float64
	TimeMax            float64
	TimeMdev           float64
	TimeUnit           string
}

// PingParser implements observer.CommandParser for "ping".
type PingParser struct {
	Destination string
	Options     string

	result PingResult
	haveSummary bool
	haveRTT     bool
	failure     error
}

// NewPingParser returns a parser for `ping <options> <destination>`.
func NewPingParser(destination, options string) *PingParser {
	return &PingParser{Destination: destination, Options: options}
}

// BuildCommandString renders the shell command line.
func (p *PingParser) BuildCommandString() string {
	if p.Options == "" {
		return fmt.Sprintf("ping %s", p.Destination)
	}
	return fmt.Sprintf("ping %s %s", p.Options, p.Destination)
}

// ParseLine inspects one line of ping output, accumulating into the
// result as the two recognized patterns are matched.
func (p *PingParser) ParseLine(line string, isFullLine bool) {
	if !isFullLine {
		return
	}
	if m := reTransRecvLossTime.FindStringSubmatch(line); m != nil {
		p.applySummary(reTransRecvLossTime, m)
		return
	}
	if m := reMinAvgMaxMdevUnitTime.FindStringSubmatch(line); m != nil {
		p.applyRTT(reMinAvgMaxMdevUnitTime, m)
		return
	}
}

func (p *PingParser) applySummary(re *regexp.Regexp, m []string) {
	get := func(name string) string {
		idx := re.SubexpIndex(name)
		if idx < 0 || idx >= len(m) {
			return ""
		}
		return m[idx]
	}
	p.result.PacketsTransmitted, _ = strconv.Atoi(get("transmitted"))
	p.result.PacketsReceived, _ = strconv.Atoi(get("received"))
	p.result.PacketLoss, _ = strconv.ParseFloat(get("loss"), 64)
	if t := get("time"); t != "" {
		p.result.Time, _ = strconv.Atoi(t)
	}
	p.haveSummary = true
}

func (p *PingParser) applyRTT(re *regexp.Regexp, m []string) {
	get := func(name string) string {
		idx := re.SubexpIndex(name)
		if idx < 0 || idx >= len(m) {
			return ""
		}
		return m[idx]
	}
	p.result.TimeMin, _ = strconv.ParseFloat(get("min"), 64)
	p.result.TimeAvg, _ = strconv.ParseFloat(get("avg"), 64)
	p.result.TimeMax, _ = strconv.ParseFloat(get("max"), 64)
	p.result.TimeMdev, _ = strconv.ParseFloat(get("mdev"), 64)
	p.result.TimeUnit = get("unit")
	p.haveRTT = true
}

// BuildResult returns the accumulated PingResult once the summary line
// has been seen; the rtt line is optional (some ping variants omit it
// when every probe is lost).
func (p *PingParser) BuildResult() (any, error) {
	if p.failure != nil {
		return nil, p.failure
	}
	if !p.haveSummary {
		return nil, fmt.Errorf("ping: no transmitted/received/loss summary line seen")
	}
	return p.result, nil
}

var pingPrompt = regexp.MustCompile(`[$%#]\s*$`)
var pingErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unknown host`),
	regexp.MustCompile(`(?i)ping: .*(name or service not known|network is unreachable)`),
}

// New builds a ready-to-Start Ping observer.Command against conn.
func New(conn *connection.FanoutConnection, sched *scheduler.Scheduler, destination, options string) *observer.Command {
	parser := NewPingParser(destination, options)
	return observer.NewCommand("ping", conn, sched, parser, pingPrompt, pingErrorPatterns)
}

// String renders a PingResult for logging, matching the field order
// of the original fixture.
func (r PingResult) String() string {
	return fmt.Sprintf(
		"transmitted=%d received=%d loss=%.1f%% time=%dms rtt=%.3f/%.3f/%.3f/%.3f%s",
		r.PacketsTransmitted, r.PacketsReceived, r.PacketLoss, r.Time,
		r.TimeMin, r.TimeAvg, r.TimeMax, r.TimeMdev, r.TimeUnit)
}
