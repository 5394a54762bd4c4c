package node

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoConfigDir is returned when a simulation directory has no config/ subdirectory.
var ErrNoConfigDir = errors.New("simulation config directory not found")

var confFilePattern = regexp.MustCompile(`^node_(\d+)\.conf$`)

// ConfigDir returns the node configuration directory inside a simulation directory.
func ConfigDir(simDir string) string {
	return filepath.Join(simDir, "config")
}

// LoadSimulationDir builds endpoints from <simDir>/config/node_<id>.conf files.
// The five default nodes are always present; conf files override their ports
// and credentials and may add further nodes.
func LoadSimulationDir(simDir string) ([]Endpoint, error) {
	dir := ConfigDir(simDir)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoConfigDir, dir)
	}

	byID := make(map[int]Endpoint, DefaultNodeCount)
	for _, ep := range DefaultEndpoints() {
		byID[ep.ID] = ep
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := confFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || id < 1 {
			continue
		}

		base, ok := byID[id]
		if !ok {
			base = DefaultEndpoint(id)
		}
		ep, err := loadConfFile(filepath.Join(dir, entry.Name()), base)
		if err != nil {
			return nil, err
		}
		byID[id] = ep
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Endpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

func loadConfFile(path string, base Endpoint) (Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ep, err := ParseConf(f, base)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: %w", path, err)
	}
	return ep, nil
}

// ParseConf applies a node daemon conf file (key=value lines) on top of base.
// Recognised keys: rpcuser, rpcpassword, rpcport, rpcbind, rpcconnect, port.
// Section headers and unknown keys are ignored.
func ParseConf(r io.Reader, base Endpoint) (Endpoint, error) {
	ep := base
	var connectHost, bindHost string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "rpcuser":
			ep.User = value
		case "rpcpassword":
			ep.Password = value
		case "rpcport":
			port, err := strconv.Atoi(value)
			if err != nil {
				return Endpoint{}, fmt.Errorf("line %d: invalid rpcport %q", lineNo, value)
			}
			ep.RPCPort = port
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return Endpoint{}, fmt.Errorf("line %d: invalid port %q", lineNo, value)
			}
			ep.P2PPort = port
		case "rpcconnect":
			connectHost = value
		case "rpcbind":
			bindHost = bindAddressHost(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Endpoint{}, err
	}

	// rpcconnect wins over rpcbind; wildcard binds keep the base host.
	switch {
	case connectHost != "":
		ep.Host = connectHost
	case bindHost != "" && bindHost != "0.0.0.0" && bindHost != "::":
		ep.Host = bindHost
	}
	return ep, nil
}

// bindAddressHost strips an optional :port suffix from an IPv4 or hostname bind address.
func bindAddressHost(s string) string {
	if i := strings.LastIndex(s, ":"); i > 0 && !strings.Contains(s[:i], ":") {
		return s[:i]
	}
	return s
}

type nodesFile struct {
	Nodes []Endpoint `yaml:"nodes"`
}

// LoadFile reads a YAML node table:
//
//	nodes:
//	  - id: 1
//	    host: 127.0.0.1
//	    rpcPort: 18332
func LoadFile(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node file: %w", err)
	}
	var nf nodesFile
	if err := yaml.Unmarshal(data, &nf); err != nil {
		return nil, fmt.Errorf("failed to parse node file %s: %w", path, err)
	}
	if len(nf.Nodes) == 0 {
		return nil, fmt.Errorf("node file %s defines no nodes", path)
	}
	return nf.Nodes, nil
}
