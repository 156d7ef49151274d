// Package config loads a .dcf (Diagnostic Configuration File, ini-format)
// into the static tables the dispatcher and its per-service handlers are
// built from: per-section regex matching over an ini.File, building
// immutable Go structs at parse time. A .dcf can only describe the data
// this package's types model (ids, lengths, gating/session masks); the
// callbacks that give a DID, routine or security level its behavior are
// still supplied by the integrator in Go and merged in at Build time.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	uds "github.com/tinyecu/udsdiag"
	"github.com/tinyecu/udsdiag/pkg/data"
	"github.com/tinyecu/udsdiag/pkg/ioctrl"
	"github.com/tinyecu/udsdiag/pkg/routine"
	"github.com/tinyecu/udsdiag/pkg/security"
	"github.com/tinyecu/udsdiag/pkg/session"
)

var (
	matchServiceSection  = regexp.MustCompile(`^Service:([0-9A-Fa-f]+)$`)
	matchDIDSection      = regexp.MustCompile(`^DID:([0-9A-Fa-f]+)$`)
	matchRoutineSection  = regexp.MustCompile(`^Routine:([0-9A-Fa-f]+)$`)
	matchIOCtrlSection   = regexp.MustCompile(`^IOControl:([0-9A-Fa-f]+)$`)
	matchSecuritySection = regexp.MustCompile(`^Security:([0-9]+)$`)
)

// ServiceSpec is one [Service:<SID>] section: the session/security/addressing
// gate for a SID, minus its Handler, which is resolved at Build time.
type ServiceSpec struct {
	SID          uint8
	SessionMask  uint32
	SecurityMask uint32
	Addressing   uds.AddressingSet
}

// DIDSpec is one [DID:<id>] section.
type DIDSpec struct {
	ID         uint16
	Length     int
	GatingMask uint32
}

// RoutineSpec is one [Routine:<id>] section.
type RoutineSpec struct {
	ID         uint16
	GatingMask uint32
}

// IOControlSpec is one [IOControl:<id>] section.
type IOControlSpec struct {
	ID         uint16
	GatingMask uint32
}

// SecurityLevelSpec is one [Security:<level>] section.
type SecurityLevelSpec struct {
	Level        uint8
	KeySize      int
	SessionMask  uint32
	AttemptLimit uint32
	DelayMs      uint32
}

// File is the fully-parsed .dcf: every section's static data, ready to be
// merged with integrator-supplied callbacks via the Build* helpers.
type File struct {
	Timing         uds.TimingConfig
	ResponseCap    int
	Sessions       []uint8
	Services       []ServiceSpec
	DIDs           []DIDSpec
	Routines       []RoutineSpec
	IOControls     []IOControlSpec
	SecurityLevels []SecurityLevelSpec
}

// Load parses source (a path, []byte, or io.Reader — anything ini.Load
// accepts) into a File.
func Load(source any) (*File, error) {
	raw, err := ini.Load(source)
	if err != nil {
		return nil, err
	}

	f := &File{ResponseCap: 255}
	if v := raw.Section("Main").Key("ResponseCapacity").MustInt(0); v > 0 {
		f.ResponseCap = v
	}
	timing := raw.Section("Timing")
	f.Timing = uds.TimingConfig{
		PeriodMs:          uint32(timing.Key("PeriodMs").MustUint(10)),
		S3ServerMs:        uint32(timing.Key("S3ServerMs").MustUint(5000)),
		P2ServerMinMs:     uint32(timing.Key("P2ServerMinMs").MustUint(50)),
		P2ServerMaxMs:     uint32(timing.Key("P2ServerMaxMs").MustUint(500)),
		MaxPendingRepeats: uint32(timing.Key("MaxPendingRepeats").MustUint(0)),
	}
	sessionIDs, err := parseIDList(raw.Section("Sessions").Key("IDs").String(), 16)
	if err != nil {
		return nil, fmt.Errorf("config: Sessions.IDs: %w", err)
	}
	for _, id := range sessionIDs {
		f.Sessions = append(f.Sessions, uint8(id))
	}

	for _, section := range raw.Sections() {
		name := section.Name()
		switch {
		case matchServiceSection.MatchString(name):
			spec, err := parseServiceSection(section, matchServiceSection.FindStringSubmatch(name)[1])
			if err != nil {
				return nil, err
			}
			f.Services = append(f.Services, spec)
		case matchDIDSection.MatchString(name):
			spec, err := parseDIDSection(section, matchDIDSection.FindStringSubmatch(name)[1])
			if err != nil {
				return nil, err
			}
			f.DIDs = append(f.DIDs, spec)
		case matchRoutineSection.MatchString(name):
			spec, err := parseRoutineSection(section, matchRoutineSection.FindStringSubmatch(name)[1])
			if err != nil {
				return nil, err
			}
			f.Routines = append(f.Routines, spec)
		case matchIOCtrlSection.MatchString(name):
			spec, err := parseIOCtrlSection(section, matchIOCtrlSection.FindStringSubmatch(name)[1])
			if err != nil {
				return nil, err
			}
			f.IOControls = append(f.IOControls, spec)
		case matchSecuritySection.MatchString(name):
			spec, err := parseSecuritySection(section, matchSecuritySection.FindStringSubmatch(name)[1])
			if err != nil {
				return nil, err
			}
			f.SecurityLevels = append(f.SecurityLevels, spec)
		}
	}
	return f, nil
}

func parseServiceSection(s *ini.Section, idHex string) (ServiceSpec, error) {
	sid, err := strconv.ParseUint(idHex, 16, 8)
	if err != nil {
		return ServiceSpec{}, fmt.Errorf("config: Service section %q: %w", idHex, err)
	}
	sessionIDs, err := parseIDList(s.Key("Sessions").String(), 16)
	if err != nil {
		return ServiceSpec{}, fmt.Errorf("config: Service:%s Sessions: %w", idHex, err)
	}
	sessions := make([]uint8, len(sessionIDs))
	for i, v := range sessionIDs {
		sessions[i] = uint8(v)
	}
	minSecurity := uint8(s.Key("MinSecurity").MustUint(0))
	addressing, err := parseAddressing(s.Key("Addressing").MustString("physical"))
	if err != nil {
		return ServiceSpec{}, fmt.Errorf("config: Service:%s Addressing: %w", idHex, err)
	}
	return ServiceSpec{
		SID:          uint8(sid),
		SessionMask:  uds.SessionMaskFor(sessions...),
		SecurityMask: uds.SecurityMaskAtLeast(minSecurity),
		Addressing:   addressing,
	}, nil
}

func parseDIDSection(s *ini.Section, idHex string) (DIDSpec, error) {
	id, err := strconv.ParseUint(idHex, 16, 16)
	if err != nil {
		return DIDSpec{}, fmt.Errorf("config: DID section %q: %w", idHex, err)
	}
	return DIDSpec{
		ID:         uint16(id),
		Length:     s.Key("Length").MustInt(0),
		GatingMask: uds.SecurityMaskAtLeast(uint8(s.Key("MinSecurity").MustUint(0))),
	}, nil
}

func parseRoutineSection(s *ini.Section, idHex string) (RoutineSpec, error) {
	id, err := strconv.ParseUint(idHex, 16, 16)
	if err != nil {
		return RoutineSpec{}, fmt.Errorf("config: Routine section %q: %w", idHex, err)
	}
	return RoutineSpec{
		ID:         uint16(id),
		GatingMask: uds.SecurityMaskAtLeast(uint8(s.Key("MinSecurity").MustUint(0))),
	}, nil
}

func parseIOCtrlSection(s *ini.Section, idHex string) (IOControlSpec, error) {
	id, err := strconv.ParseUint(idHex, 16, 16)
	if err != nil {
		return IOControlSpec{}, fmt.Errorf("config: IOControl section %q: %w", idHex, err)
	}
	return IOControlSpec{
		ID:         uint16(id),
		GatingMask: uds.SecurityMaskAtLeast(uint8(s.Key("MinSecurity").MustUint(0))),
	}, nil
}

func parseSecuritySection(s *ini.Section, levelDec string) (SecurityLevelSpec, error) {
	level, err := strconv.ParseUint(levelDec, 10, 8)
	if err != nil {
		return SecurityLevelSpec{}, fmt.Errorf("config: Security section %q: %w", levelDec, err)
	}
	sessionIDs, err := parseIDList(s.Key("Sessions").String(), 16)
	if err != nil {
		return SecurityLevelSpec{}, fmt.Errorf("config: Security:%s Sessions: %w", levelDec, err)
	}
	sessions := make([]uint8, len(sessionIDs))
	for i, v := range sessionIDs {
		sessions[i] = uint8(v)
	}
	return SecurityLevelSpec{
		Level:        uint8(level),
		KeySize:      s.Key("KeySize").MustInt(4),
		SessionMask:  uds.SessionMaskFor(sessions...),
		AttemptLimit: uint32(s.Key("AttemptLimit").MustUint(0)),
		DelayMs:      uint32(s.Key("DelayMs").MustUint(0)),
	}, nil
}

func parseAddressing(v string) (uds.AddressingSet, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "physical":
		return uds.AddrPhysical, nil
	case "functional":
		return uds.AddrFunctional, nil
	case "both", "physical,functional", "functional,physical":
		return uds.AddrBoth, nil
	default:
		return 0, fmt.Errorf("unknown addressing mode %q", v)
	}
}

// parseIDList parses a comma-separated list of integers in the given base
// (e.g. "01,03,7F" with base 16), skipping blank entries.
func parseIDList(v string, base int) ([]uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, base, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// SessionConfig builds a session.Config from the parsed session id list,
// merging in the integrator's permission callback.
func (f *File) SessionConfig(permission session.PermissionFunc) session.Config {
	return session.Config{Sessions: f.Sessions, Permission: permission}
}

// SecurityLevelConfigs merges each parsed SecurityLevelSpec with the
// integrator's seed/compare callback pair, keyed by level.
func (f *File) SecurityLevelConfigs(seeds map[uint8]security.SeedFunc, compares map[uint8]security.CompareFunc) []security.LevelConfig {
	out := make([]security.LevelConfig, 0, len(f.SecurityLevels))
	for _, s := range f.SecurityLevels {
		out = append(out, security.LevelConfig{
			Level:        s.Level,
			KeySize:      s.KeySize,
			SessionMask:  s.SessionMask,
			AttemptLimit: s.AttemptLimit,
			DelayMs:      s.DelayMs,
			Seed:         seeds[s.Level],
			Compare:      compares[s.Level],
		})
	}
	return out
}

// DIDConfigs merges each parsed DIDSpec with the integrator's read/write
// callbacks, keyed by DID id.
func (f *File) DIDConfigs(reads map[uint16]data.ReadFunc, writes map[uint16]data.WriteFunc) []data.DIDConfig {
	out := make([]data.DIDConfig, 0, len(f.DIDs))
	for _, d := range f.DIDs {
		out = append(out, data.DIDConfig{
			ID:         d.ID,
			Length:     d.Length,
			GatingMask: d.GatingMask,
			Read:       reads[d.ID],
			Write:      writes[d.ID],
		})
	}
	return out
}

// RoutineConfigs merges each parsed RoutineSpec with the integrator's
// start/stop/results callbacks, keyed by routine id.
func (f *File) RoutineConfigs(starts, stops, results map[uint16]routine.RoutineFunc) []routine.Config {
	out := make([]routine.Config, 0, len(f.Routines))
	for _, r := range f.Routines {
		out = append(out, routine.Config{
			ID:         r.ID,
			GatingMask: r.GatingMask,
			Start:      starts[r.ID],
			Stop:       stops[r.ID],
			Results:    results[r.ID],
		})
	}
	return out
}

// IOControlConfigs merges each parsed IOControlSpec with the integrator's
// per-action callback table, keyed by DID id.
func (f *File) IOControlConfigs(actions map[uint16][5]ioctrl.ActionFunc) []ioctrl.Config {
	out := make([]ioctrl.Config, 0, len(f.IOControls))
	for _, c := range f.IOControls {
		out = append(out, ioctrl.Config{
			ID:         c.ID,
			GatingMask: c.GatingMask,
			Actions:    actions[c.ID],
		})
	}
	return out
}

// BuildServiceTable assembles the dispatcher's ServiceTable from the parsed
// [Service:*] sections, resolving each SID's Handler from handlers.
// A SID present in the .dcf but missing from handlers is a configuration
// error, not a silent gap: the absent-handler -> serviceNotSupported
// behavior applies only to SIDs never listed in the .dcf at all.
func (f *File) BuildServiceTable(handlers map[uint8]uds.Handler) (*uds.ServiceTable, error) {
	table := uds.NewServiceTable()
	for _, svc := range f.Services {
		h, ok := handlers[svc.SID]
		if !ok {
			return nil, fmt.Errorf("config: no handler registered for SID 0x%02X", svc.SID)
		}
		table.Add(&uds.ServiceEntry{
			SID:          svc.SID,
			SessionMask:  svc.SessionMask,
			SecurityMask: svc.SecurityMask,
			Addressing:   svc.Addressing,
			Handler:      h,
		})
	}
	return table, nil
}
