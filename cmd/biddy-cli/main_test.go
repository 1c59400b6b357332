package main

import "testing"

func TestParseGlobals(t *testing.T) {
	def := defaultGlobals()
	tests := []struct {
		name    string
		args    []string
		rpc     string
		keyfile string
		rest    int
	}{
		{"none", []string{"status"}, def.rpcURL, def.keyfile, 1},
		{"rpc separate", []string{"--rpc", "http://h:1", "status"}, "http://h:1", def.keyfile, 1},
		{"rpc equals", []string{"--rpc=http://h:2", "block", "X"}, "http://h:2", def.keyfile, 2},
		{"keyfile", []string{"--keyfile=/k.json", "--rpc", "http://h:3", "address"}, "http://h:3", "/k.json", 1},
		{"dangling flag", []string{"--rpc"}, def.rpcURL, def.keyfile, 1},
		{"empty", nil, def.rpcURL, def.keyfile, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, rest := parseGlobals(tt.args)
			if g.rpcURL != tt.rpc {
				t.Errorf("rpc = %q, want %q", g.rpcURL, tt.rpc)
			}
			if g.keyfile != tt.keyfile {
				t.Errorf("keyfile = %q, want %q", g.keyfile, tt.keyfile)
			}
			if len(rest) != tt.rest {
				t.Errorf("rest = %v, want %d args", rest, tt.rest)
			}
		})
	}
}

func TestDefaultGlobals(t *testing.T) {
	g := defaultGlobals()
	if g.rpcURL != "http://127.0.0.1:4249" {
		t.Fatalf("default rpc = %q", g.rpcURL)
	}
	if g.keyfile == "" {
		t.Fatal("default keyfile should not be empty")
	}
}
