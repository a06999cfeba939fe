// bootprof converts a captured boot milestone trace (the "[milestone]"
// records the kernel timer service emits over the UART) into a pprof
// profile so boot timing can be inspected with `go tool pprof`. Each
// milestone becomes a sample whose value is the time spent since the
// previous milestone.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

// ticksPerSecond must match the kernel timer frequency.
const ticksPerSecond = 500

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[bootprof] error: %s\n", err.Error())
	os.Exit(1)
}

type milestone struct {
	tick uint64
	name string
}

// parseTrace extracts the milestone records from a UART capture, ignoring
// any interleaved kernel log output.
func parseTrace(f *os.File) ([]milestone, error) {
	var milestones []milestone

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "[milestone] ")
		if idx == -1 {
			continue
		}

		fields := strings.Fields(line[idx+len("[milestone] "):])
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed milestone record: %q", line)
		}

		tick, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed milestone tick in %q: %v", line, err)
		}

		milestones = append(milestones, milestone{tick: tick, name: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return milestones, nil
}

// buildProfile converts the milestone list into a pprof profile. The sample
// for each milestone accounts the interval since the previous one; the
// location stack nests each milestone under its predecessors so the flame
// graph reads as a boot timeline.
func buildProfile(milestones []milestone) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "boottime", Unit: "nanoseconds"},
		},
		TimeNanos: 0,
	}

	var (
		locations []*profile.Location
		prevTick  uint64
	)

	for i, m := range milestones {
		fn := &profile.Function{
			ID:   uint64(i + 1),
			Name: m.name,
		}
		prof.Function = append(prof.Function, fn)

		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		prof.Location = append(prof.Location, loc)

		// The stack leaf is the current milestone; callers are the
		// milestones that preceded it.
		stack := make([]*profile.Location, 0, len(locations)+1)
		stack = append(stack, loc)
		for j := len(locations) - 1; j >= 0; j-- {
			stack = append(stack, locations[j])
		}
		locations = append(locations, loc)

		deltaTicks := m.tick - prevTick
		prevTick = m.tick

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: stack,
			Value:    []int64{int64(deltaTicks) * (1e9 / ticksPerSecond)},
		})
	}

	return prof
}

func main() {
	output := flag.String("out", "boot.pb.gz", "the output profile path")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "bootprof: convert a boot milestone trace into a pprof profile\n\n")
		fmt.Fprint(os.Stderr, "Usage: bootprof [options] uart-capture\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("missing uart capture argument"))
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		exit(err)
	}
	defer f.Close()

	milestones, err := parseTrace(f)
	if err != nil {
		exit(err)
	}
	if len(milestones) == 0 {
		exit(errors.New("no milestone records found in the capture"))
	}

	prof := buildProfile(milestones)
	if err = prof.CheckValid(); err != nil {
		exit(err)
	}

	out, err := os.Create(*output)
	if err != nil {
		exit(err)
	}
	defer out.Close()

	if err = prof.Write(out); err != nil {
		exit(err)
	}
}
