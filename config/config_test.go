package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"linecap/modbus"
)

func testOutput(file string) OutputConfig {
	return OutputConfig{
		FileName:        file,
		Folder:          "/var/lib/linecap",
		RegisterType:    "Holding",
		StartRegister:   100,
		Range:           3,
		TriggerType:     "Coil",
		TriggerRegister: 7,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollRate != 100*time.Millisecond {
		t.Errorf("PollRate = %v, want 100ms", cfg.PollRate)
	}
	if cfg.Namespace != "linecap" {
		t.Errorf("Namespace = %q", cfg.Namespace)
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 8080 {
		t.Errorf("unexpected web defaults: %+v", cfg.Web)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestCategories(t *testing.T) {
	cats := Categories()
	want := []Category{CategoryTraceability, CategoryErrorCodes, CategoryDownTime}
	if len(cats) != len(want) {
		t.Fatalf("got %d categories", len(cats))
	}
	for i := range want {
		if cats[i] != want[i] {
			t.Errorf("category %d = %q, want %q", i, cats[i], want[i])
		}
	}

	if _, err := ParseCategory("DownTime"); err != nil {
		t.Errorf("ParseCategory(DownTime): %v", err)
	}
	if _, err := ParseCategory("downtime"); err == nil {
		t.Error("category names are exact")
	}
}

func TestLoadSave(t *testing.T) {
	t.Run("missing file yields defaults and writes them", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sub", "config.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PollRate != DefaultPollRate {
			t.Errorf("PollRate = %v", cfg.PollRate)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("defaults were not saved: %v", err)
		}
	})

	t.Run("round trip keeps category lists", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		cfg := DefaultConfig()
		cfg.AddPLC(PLCConfig{Name: "L1", Equipment: "Press 4", Address: "10.0.0.5", Port: 502, UnitID: 3})
		cfg.AddOutput(CategoryTraceability, testOutput("trace"))
		cfg.AddOutput(CategoryDownTime, testOutput("downtime"))
		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		plc := loaded.FindPLC("L1")
		if plc == nil || plc.Equipment != "Press 4" || plc.UnitID != 3 {
			t.Fatalf("PLC not round-tripped: %+v", plc)
		}
		if len(loaded.Traceability) != 1 || len(loaded.ErrorCodes) != 0 || len(loaded.DownTime) != 1 {
			t.Errorf("category lists: %d/%d/%d", len(loaded.Traceability), len(loaded.ErrorCodes), len(loaded.DownTime))
		}
		if loaded.Traceability[0].StartRegister != 100 || loaded.Traceability[0].Range != 3 {
			t.Errorf("output fields lost: %+v", loaded.Traceability[0])
		}
	})

	t.Run("zero poll rate falls back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(path, []byte("poll_rate: 0s\nplcs: []\n"), 0644)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PollRate != DefaultPollRate {
			t.Errorf("PollRate = %v", cfg.PollRate)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(path, []byte("plcs: [unterminated"), 0644)
		if _, err := Load(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestOnChangeListener(t *testing.T) {
	cfg := DefaultConfig()
	done := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { done <- struct{}{} })

	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
		t.Error("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAllOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddOutput(CategoryTraceability, testOutput("a"))
	cfg.AddOutput(CategoryTraceability, testOutput("b"))
	cfg.AddOutput(CategoryErrorCodes, testOutput("c"))

	all := cfg.AllOutputs()
	if len(all) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(all))
	}
	if all[1].Category != CategoryTraceability || all[1].Index != 1 {
		t.Errorf("second output stamped %s/%d", all[1].Category, all[1].Index)
	}
	if all[2].Category != CategoryErrorCodes || all[2].Index != 0 {
		t.Errorf("third output stamped %s/%d", all[2].Category, all[2].Index)
	}
	if all[2].ID() != "ErrorCodes/0:c" {
		t.Errorf("ID() = %q", all[2].ID())
	}
	// stamping must not leak into the stored lists
	if cfg.Traceability[1].Category != "" {
		t.Error("AllOutputs modified stored output")
	}
}

func TestOutputCRUD(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.AddOutput("Bogus", testOutput("x")); err == nil {
		t.Error("expected error for unknown category")
	}
	cfg.AddOutput(CategoryDownTime, testOutput("x"))
	cfg.AddOutput(CategoryDownTime, testOutput("y"))

	if o := cfg.FindOutput(CategoryDownTime, "y"); o == nil || o.FileName != "y" {
		t.Errorf("FindOutput(y) = %+v", o)
	}
	if o := cfg.FindOutput(CategoryTraceability, "y"); o != nil {
		t.Error("FindOutput crossed categories")
	}

	upd := testOutput("z")
	if !cfg.UpdateOutput(CategoryDownTime, 1, upd) {
		t.Error("UpdateOutput failed")
	}
	if cfg.DownTime[1].FileName != "z" {
		t.Errorf("update not applied: %+v", cfg.DownTime[1])
	}
	if cfg.RemoveOutput(CategoryDownTime, 5) {
		t.Error("RemoveOutput out of range succeeded")
	}
	if !cfg.RemoveOutput(CategoryDownTime, 0) || len(cfg.DownTime) != 1 || cfg.DownTime[0].FileName != "z" {
		t.Errorf("RemoveOutput left %+v", cfg.DownTime)
	}
}

func TestPLCCRUD(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "L1", Address: "10.0.0.1", Port: 502})
	cfg.AddPLC(PLCConfig{Name: "L2", Address: "10.0.0.2", Port: 502})

	if !cfg.UpdatePLC("L2", PLCConfig{Name: "L2", Address: "10.0.0.9", Port: 1502}) {
		t.Error("UpdatePLC failed")
	}
	if p := cfg.FindPLC("L2"); p == nil || p.Port != 1502 {
		t.Errorf("FindPLC(L2) = %+v", p)
	}
	if !cfg.RemovePLC("L1") || cfg.FindPLC("L1") != nil {
		t.Error("RemovePLC failed")
	}
	if cfg.RemovePLC("missing") {
		t.Error("RemovePLC(missing) returned true")
	}
}

func TestClientOptions(t *testing.T) {
	p := PLCConfig{Name: "L1", Address: "10.0.0.5", Port: 1502, UnitID: 4, Timeout: time.Second}
	opts := p.ClientOptions()
	if opts.Endpoint() != "10.0.0.5:1502" || opts.UnitID != 4 || opts.Timeout != time.Second {
		t.Errorf("unexpected options: %+v", opts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.PLCs[0].Port = 0 }, "port must be 1-65535"},
		{"port too large", func(c *Config) { c.PLCs[0].Port = 70000 }, "port must be 1-65535"},
		{"bad address", func(c *Config) { c.PLCs[0].Address = "plc.local" }, "invalid address"},
		{"duplicate name", func(c *Config) { c.PLCs = append(c.PLCs, c.PLCs[0]) }, "duplicate name"},
		{"range zero", func(c *Config) { c.Traceability[0].Range = 0 }, "range must be at least 1"},
		{"unknown trigger kind", func(c *Config) { c.Traceability[0].TriggerType = "Analog" }, "trigger_type"},
		{"missing file name", func(c *Config) { c.Traceability[0].FileName = "" }, ""},
		{"missing folder beside a complete output", func(c *Config) {
			o := testOutput("nofolder")
			o.Folder = ""
			c.AddOutput(CategoryTraceability, o)
		}, ""},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, "invalid namespace"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AddPLC(PLCConfig{Name: "L1", Address: "10.0.0.5", Port: 502})
			cfg.AddOutput(CategoryTraceability, testOutput("trace"))
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want containing %q", err, tc.wantErr)
			}
		})
	}

	t.Run("unknown kind wraps sentinel", func(t *testing.T) {
		cfg := DefaultConfig()
		o := testOutput("t")
		o.RegisterType = "float"
		cfg.AddOutput(CategoryErrorCodes, o)
		if err := cfg.Validate(); !errors.Is(err, modbus.ErrUnsupportedKind) {
			t.Errorf("expected ErrUnsupportedKind, got %v", err)
		}
	})
}
