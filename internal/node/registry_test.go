package node

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultEndpoints(t *testing.T) {
	eps := DefaultEndpoints()
	if len(eps) != DefaultNodeCount {
		t.Fatalf("len(DefaultEndpoints()) = %d, want %d", len(eps), DefaultNodeCount)
	}

	tests := []struct {
		id      int
		rpcPort int
		p2pPort int
	}{
		{1, 18332, 18444},
		{3, 18334, 18446},
		{5, 18336, 18448},
	}
	for _, tt := range tests {
		ep := eps[tt.id-1]
		if ep.ID != tt.id || ep.RPCPort != tt.rpcPort || ep.P2PPort != tt.p2pPort {
			t.Errorf("node %d = %+v, want rpc %d p2p %d", tt.id, ep, tt.rpcPort, tt.p2pPort)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		eps     []Endpoint
		wantErr string
	}{
		{"defaults", DefaultEndpoints(), ""},
		{"empty", nil, "at least one node"},
		{"duplicate id", []Endpoint{DefaultEndpoint(1), DefaultEndpoint(1)}, "duplicate node id 1"},
		{"zero id", []Endpoint{{ID: 0, Host: "h", RPCPort: 1}}, "node id must be >= 1"},
		{"missing host", []Endpoint{{ID: 2, RPCPort: 1}}, "host is required"},
		{"bad port", []Endpoint{{ID: 2, Host: "h", RPCPort: 70000}}, "rpc port out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.eps...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewRegistry() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewRegistry() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(DefaultEndpoint(3), DefaultEndpoint(1))
	if err != nil {
		t.Fatal(err)
	}

	if got := r.IDs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("IDs() = %v, want [1 3]", got)
	}
	if ep, err := r.Lookup(3); err != nil || ep.RPCPort != 18334 {
		t.Errorf("Lookup(3) = %+v, %v", ep, err)
	}
	if _, err := r.Lookup(9); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Lookup(9) error = %v, want ErrUnknownNode", err)
	}

	// IDs returns a copy
	ids := r.IDs()
	ids[0] = 42
	if r.IDs()[0] != 1 {
		t.Error("IDs() exposed internal slice")
	}
}

func TestEndpointURL(t *testing.T) {
	ep := Endpoint{ID: 1, Host: "10.0.0.5", RPCPort: 8332}
	if got := ep.URL(); got != "http://10.0.0.5:8332/" {
		t.Errorf("URL() = %q", got)
	}
	if ep.HasAuth() {
		t.Error("HasAuth() = true for endpoint without credentials")
	}
}

func TestParseConf(t *testing.T) {
	conf := `# node 2
regtest=1
[regtest]
rpcuser=alice
rpcpassword = s3cret
rpcport=28333
port=28445
rpcbind=0.0.0.0
`
	ep, err := ParseConf(strings.NewReader(conf), DefaultEndpoint(2))
	if err != nil {
		t.Fatalf("ParseConf() error = %v", err)
	}
	if ep.User != "alice" || ep.Password != "s3cret" {
		t.Errorf("credentials = %q/%q", ep.User, ep.Password)
	}
	if ep.RPCPort != 28333 || ep.P2PPort != 28445 {
		t.Errorf("ports = %d/%d, want 28333/28445", ep.RPCPort, ep.P2PPort)
	}
	if ep.Host != DefaultHost {
		t.Errorf("Host = %q, want %q for wildcard bind", ep.Host, DefaultHost)
	}
}

func TestParseConfHostPrecedence(t *testing.T) {
	tests := []struct {
		name string
		conf string
		want string
	}{
		{"bind with port", "rpcbind=10.1.1.1:18332\n", "10.1.1.1"},
		{"connect wins", "rpcconnect=node-a\nrpcbind=10.1.1.1\n", "node-a"},
		{"connect after bind", "rpcbind=10.1.1.1\nrpcconnect=node-b\n", "node-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := ParseConf(strings.NewReader(tt.conf), DefaultEndpoint(1))
			if err != nil {
				t.Fatal(err)
			}
			if ep.Host != tt.want {
				t.Errorf("Host = %q, want %q", ep.Host, tt.want)
			}
		})
	}
}

func TestParseConfInvalidPort(t *testing.T) {
	_, err := ParseConf(strings.NewReader("rpcport=abc\n"), DefaultEndpoint(1))
	if err == nil || !strings.Contains(err.Error(), "invalid rpcport") {
		t.Errorf("ParseConf() error = %v, want invalid rpcport", err)
	}
}

func TestLoadSimulationDir(t *testing.T) {
	t.Run("missing config dir", func(t *testing.T) {
		_, err := LoadSimulationDir(t.TempDir())
		if !errors.Is(err, ErrNoConfigDir) {
			t.Errorf("error = %v, want ErrNoConfigDir", err)
		}
	})

	t.Run("overrides and extra nodes", func(t *testing.T) {
		dir := t.TempDir()
		cfgDir := filepath.Join(dir, "config")
		if err := os.MkdirAll(cfgDir, 0o755); err != nil {
			t.Fatal(err)
		}
		writeFile(t, filepath.Join(cfgDir, "node_1.conf"), "rpcuser=u1\nrpcpassword=p1\n")
		writeFile(t, filepath.Join(cfgDir, "node_7.conf"), "rpcport=19000\n")
		writeFile(t, filepath.Join(cfgDir, "README"), "not a conf")

		eps, err := LoadSimulationDir(dir)
		if err != nil {
			t.Fatalf("LoadSimulationDir() error = %v", err)
		}
		if len(eps) != 6 {
			t.Fatalf("len(eps) = %d, want 6", len(eps))
		}
		if eps[0].User != "u1" || eps[0].RPCPort != 18332 {
			t.Errorf("node 1 = %+v", eps[0])
		}
		last := eps[len(eps)-1]
		if last.ID != 7 || last.RPCPort != 19000 {
			t.Errorf("node 7 = %+v", last)
		}
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	writeFile(t, path, `nodes:
  - id: 1
    host: 10.0.0.1
    rpcPort: 8332
    user: rpc
    password: pw
  - id: 2
    host: 10.0.0.2
    rpcPort: 8332
`)

	eps, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("len(eps) = %d, want 2", len(eps))
	}
	if eps[0].Host != "10.0.0.1" || eps[0].User != "rpc" || eps[1].ID != 2 {
		t.Errorf("eps = %+v", eps)
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	writeFile(t, empty, "nodes: []\n")
	if _, err := LoadFile(empty); err == nil {
		t.Error("LoadFile() with no nodes should fail")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
