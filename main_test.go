package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunRegister() error           { m.called["RunRegister"] = true; return m.err }
func (m *mockApp) RunRender() error             { m.called["RunRender"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Register",
			args:           []string{"--source", "a.obj", "--target", "b.obj", "--output", "out.obj", "--config", "c.yaml"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.SourceFile != "a.obj" || opts.TargetFile != "b.obj" {
					t.Errorf("expected source/target a.obj/b.obj, got %s/%s", opts.SourceFile, opts.TargetFile)
				}
				if opts.OutputFile != "out.obj" {
					t.Errorf("expected OutputFile out.obj, got %s", opts.OutputFile)
				}
				if opts.ConfigFile != "c.yaml" {
					t.Errorf("expected ConfigFile c.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "RegisterToggles",
			args:           []string{"--source", "a.obj", "--target", "b.obj", "--rigid", "--no-project", "--normal-weighting"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.Rigid || !opts.NoProject || !opts.NormalWeighting {
					t.Errorf("expected all toggles set, got %+v", opts)
				}
			},
		},
		{
			name:           "Render",
			args:           []string{"--render", "--source", "a.obj", "--target", "b.obj", "--preview", "p.png", "--format", "png"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.RenderOnly {
					t.Error("expected RenderOnly true")
				}
				if opts.PreviewFile != "p.png" || opts.RenderFormat != "png" {
					t.Errorf("expected preview p.png as png, got %s as %s", opts.PreviewFile, opts.RenderFormat)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--source", "a.obj", "--target", "b.obj"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--http-port", "9090", "--status-cache", "status.json"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.StatusCache != "status.json" {
					t.Errorf("expected StatusCache status.json, got %s", opts.StatusCache)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called, called: %v", tt.expectedCalled, app.called)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, called: %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Defaults(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--source", "a.obj", "--target", "b.obj"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if app.opts.OutputFile != "deformed.obj" {
		t.Errorf("default OutputFile = %s, want deformed.obj", app.opts.OutputFile)
	}
	if app.opts.HttpPort != 4040 {
		t.Errorf("default HttpPort = %d, want 4040", app.opts.HttpPort)
	}
	if app.opts.Rigid || app.opts.NoProject || app.opts.NormalWeighting {
		t.Errorf("toggles should default to false: %+v", app.opts)
	}
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	err := run([]string{"--source", "a.obj", "--target", "b.obj"}, &out, app)
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp from --help, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of meshfit") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "MQTT service mode") {
		t.Error("expected --help output to describe MQTT service mode")
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--bogus"}, &out, app); err == nil {
		t.Error("expected error for unknown flag")
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, called: %v", app.called)
	}
}

func TestRun_NoInputs(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "meshfit version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Usage: meshfit --source") {
		t.Errorf("expected usage hint, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run without inputs, called: %v", app.called)
	}
}
