package probe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseConfig reads the line-oriented sensor-configuration format
// (spec.md §6) and returns a frozen Registry.
//
// Grammar (whitespace-separated fields, '#' starts a comment, blank
// lines ignored):
//
//	probe <name> <kind> listen <addr>
//	probe <name> <kind> unix <path>
//	probe <name> <kind> file <path>
//	probe <name> <kind> polldir <dir>
//	  accept-from <host> [<host> ...]   (applies to the preceding probe)
//	  quirk <name>                      (applies to the preceding probe)
//	sensor <name> <id>
//	  probe <name>                      (associates with the preceding sensor)
//	  decider if <iface> <value>
//	  decider ipblock <cidr> <value>
func ParseConfig(r io.Reader) (*Registry, error) {
	reg := New()

	var curProbe *Probe
	var curSensor *Sensor

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "probe":
			if len(fields) >= 5 {
				p, err := parseProbeLine(fields)
				if err != nil {
					return nil, fmt.Errorf("probe config line %d: %w", lineNo, err)
				}
				if err := reg.AddProbe(p); err != nil {
					return nil, fmt.Errorf("probe config line %d: %w", lineNo, err)
				}
				curProbe = p
				curSensor = nil
				continue
			}
			if curSensor != nil && len(fields) == 2 {
				if _, ok := reg.FindProbeByName(fields[1]); !ok {
					return nil, fmt.Errorf("probe config line %d: sensor %q references unknown probe %q", lineNo, curSensor.Name, fields[1])
				}
				curSensor.Probes = append(curSensor.Probes, fields[1])
				reg.mu.Lock()
				reg.probesOfSensor[curSensor.Name] = append(reg.probesOfSensor[curSensor.Name], fields[1])
				reg.sensorsOfProbe[fields[1]] = append(reg.sensorsOfProbe[fields[1]], curSensor.Name)
				reg.mu.Unlock()
				continue
			}
			return nil, fmt.Errorf("probe config line %d: malformed probe directive", lineNo)

		case "sensor":
			if len(fields) != 3 {
				return nil, fmt.Errorf("probe config line %d: sensor needs name and id", lineNo)
			}
			id, err := strconv.ParseUint(fields[2], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("probe config line %d: bad sensor id %q: %w", lineNo, fields[2], err)
			}
			s := &Sensor{Name: fields[1], ID: uint16(id)}
			if err := reg.AddSensor(s); err != nil {
				return nil, fmt.Errorf("probe config line %d: %w", lineNo, err)
			}
			curSensor = s
			curProbe = nil

		case "accept-from":
			if curProbe == nil {
				return nil, fmt.Errorf("probe config line %d: accept-from outside a probe block", lineNo)
			}
			curProbe.AcceptFrom = append(curProbe.AcceptFrom, fields[1:]...)

		case "ftp-remote-dir":
			if curProbe == nil || len(fields) != 2 {
				return nil, fmt.Errorf("probe config line %d: malformed ftp-remote-dir directive", lineNo)
			}
			curProbe.FTPRemoteDir = fields[1]

		case "ftp-auth":
			if curProbe == nil || len(fields) != 3 {
				return nil, fmt.Errorf("probe config line %d: malformed ftp-auth directive", lineNo)
			}
			curProbe.FTPUser, curProbe.FTPPass = fields[1], fields[2]

		case "quirk":
			if curProbe == nil || len(fields) != 2 {
				return nil, fmt.Errorf("probe config line %d: malformed quirk directive", lineNo)
			}
			q, err := parseQuirk(fields[1])
			if err != nil {
				return nil, fmt.Errorf("probe config line %d: %w", lineNo, err)
			}
			curProbe.Quirks |= q

		case "decider":
			if curSensor == nil || len(fields) < 4 {
				return nil, fmt.Errorf("probe config line %d: malformed decider directive", lineNo)
			}
			d, err := parseDecider(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("probe config line %d: %w", lineNo, err)
			}
			curSensor.Deciders = append(curSensor.Deciders, d)

		default:
			return nil, fmt.Errorf("probe config line %d: unrecognized directive %q", lineNo, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("probe config: %w", err)
	}

	reg.Freeze()
	return reg, nil
}

func parseProbeLine(fields []string) (*Probe, error) {
	name, kindStr, binding := fields[1], fields[2], fields[3]
	kind, err := parseKind(kindStr)
	if err != nil {
		return nil, err
	}
	p := &Probe{Name: name, Kind: kind}
	arg := fields[4]
	switch binding {
	case "listen":
		p.Binding = BindingListenAddr
		p.ListenAddr = arg
	case "unix":
		p.Binding = BindingUnixSocket
		p.UnixPath = arg
	case "file":
		p.Binding = BindingSingleFile
		p.FilePath = arg
	case "polldir":
		p.Binding = BindingPollDirectory
		p.PollDir = arg
	case "ftp":
		p.Binding = BindingFTPPoll
		p.FTPAddr = arg
		p.FTPRemoteDir = "/"
	default:
		return nil, fmt.Errorf("unknown source binding %q", binding)
	}
	return p, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "netflow-v5":
		return KindNetflowV5, nil
	case "netflow-v9":
		return KindNetflowV9, nil
	case "ipfix":
		return KindIPFIX, nil
	case "sflow":
		return KindSFlow, nil
	case "silk-native":
		return KindSilkNative, nil
	default:
		return KindUnknown, fmt.Errorf("unknown probe kind %q", s)
	}
}

func parseQuirk(s string) (Quirk, error) {
	switch s {
	case "zero-packets-valid":
		return QuirkZeroPacketsValid, nil
	case "first-eight-octets-no-sequence":
		return QuirkFirstEightOctetsNoSequence, nil
	case "no-sys-uptime":
		return QuirkNoSysUptime, nil
	default:
		return QuirkNone, fmt.Errorf("unknown quirk %q", s)
	}
}

func parseDecider(fields []string) (Decider, error) {
	switch fields[0] {
	case "if":
		if len(fields) != 3 {
			return Decider{}, fmt.Errorf("decider if needs <iface> <value>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return Decider{}, fmt.Errorf("bad interface index %q: %w", fields[1], err)
		}
		return Decider{Interface: n, Value: fields[2]}, nil
	case "ipblock":
		if len(fields) != 3 {
			return Decider{}, fmt.Errorf("decider ipblock needs <cidr> <value>")
		}
		return Decider{Interface: -1, CIDR: fields[1], Value: fields[2]}, nil
	default:
		return Decider{}, fmt.Errorf("unknown decider kind %q", fields[0])
	}
}
