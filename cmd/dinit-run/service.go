package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/5l1v3r1/dinit/pkg/rlimit"
)

// serviceDef is a service definition file. Field names follow the
// conventional service-description vocabulary.
type serviceDef struct {
	Command    []string          `yaml:"command"`
	WorkingDir string            `yaml:"working-dir"`
	Logfile    string            `yaml:"logfile"`
	EnvFile    string            `yaml:"env-file"`
	Env        map[string]string `yaml:"env"`

	UID *int `yaml:"uid"`
	GID *int `yaml:"gid"`

	// NotifyVar requests a readiness-notification pipe, announced to the
	// service under this variable name. ForceNotifyFD pins the pipe to a
	// specific descriptor number instead of announcing it by variable.
	NotifyVar     string `yaml:"notify-var"`
	ForceNotifyFD *int   `yaml:"force-notify-fd"`

	Console    *bool `yaml:"console"`
	Foreground bool  `yaml:"foreground"`

	// Listen is a unix socket path to pre-open and pass as the activation
	// socket.
	Listen string `yaml:"listen"`

	// ControlSocket requests a control channel for the service.
	ControlSocket bool `yaml:"control-socket"`

	RLimits map[string]limitDef `yaml:"rlimits"`
}

type limitDef struct {
	Soft *uint64 `yaml:"soft"`
	Hard *uint64 `yaml:"hard"`
}

// resourceNames maps definition-file resource names to kernel resources.
var resourceNames = map[string]int{
	"nofile":    unix.RLIMIT_NOFILE,
	"core":      unix.RLIMIT_CORE,
	"data":      unix.RLIMIT_DATA,
	"addrspace": unix.RLIMIT_AS,
}

func loadService(path string) (*serviceDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseService(path, data)
}

func parseService(path string, data []byte) (*serviceDef, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sd serviceDef
	if err := dec.Decode(&sd); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(sd.Command) == 0 {
		return nil, fmt.Errorf("%s: service has no command", path)
	}
	if (sd.UID == nil) != (sd.GID == nil) {
		return nil, fmt.Errorf("%s: uid and gid must be set together", path)
	}
	if sd.ForceNotifyFD != nil && sd.NotifyVar == "" {
		return nil, fmt.Errorf("%s: force-notify-fd requires notify-var", path)
	}
	if _, err := sd.resourceLimits(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &sd, nil
}

// resourceLimits translates the rlimits section, in stable name order.
func (sd *serviceDef) resourceLimits() ([]rlimit.Limit, error) {
	if len(sd.RLimits) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(sd.RLimits))
	for name := range sd.RLimits {
		names = append(names, name)
	}
	sort.Strings(names)

	limits := make([]rlimit.Limit, 0, len(names))
	for _, name := range names {
		res, ok := resourceNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown resource limit %q", name)
		}
		def := sd.RLimits[name]
		if def.Soft == nil && def.Hard == nil {
			return nil, fmt.Errorf("resource limit %q sets neither soft nor hard", name)
		}
		var l rlimit.Limit
		switch {
		case def.Soft != nil && def.Hard != nil:
			l = rlimit.Both(res, *def.Soft, *def.Hard)
		case def.Soft != nil:
			l = rlimit.SoftLimit(res, *def.Soft)
		default:
			l = rlimit.HardLimit(res, *def.Hard)
		}
		limits = append(limits, l)
	}
	return limits, nil
}

// combineLimits merges the definition file's rlimits with the aggregate
// limit flags. Flag entries are applied after the file's, so a flag wins
// when both touch the same resource.
func combineLimits(sd *serviceDef, agg rlimit.RLimits) ([]rlimit.Limit, error) {
	limits, err := sd.resourceLimits()
	if err != nil {
		return nil, err
	}
	return append(limits, agg.PrepareRLimit()...), nil
}

// envList renders the env section as KEY=VALUE overrides in stable order.
func (sd *serviceDef) envList() []string {
	if len(sd.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(sd.Env))
	for k, v := range sd.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
