package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile      string
	SourceFile      string
	TargetFile      string
	OutputFile      string
	PreviewFile     string
	RenderFormat    string
	StatusCache     string
	Rigid           bool
	NoProject       bool
	NormalWeighting bool
	RenderOnly      bool
	MqttMode        bool
	HttpMode        bool
	HttpPort        int
}

// AppRunner is the set of modes run can dispatch to
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunRegister() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("meshfit", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file (built-in defaults when empty)")
	fs.StringVar(&opts.SourceFile, "source", "", "Source mesh (OBJ file or http(s) URL) to deform")
	fs.StringVar(&opts.TargetFile, "target", "", "Target mesh (OBJ file or http(s) URL)")
	fs.StringVar(&opts.OutputFile, "output", "deformed.obj", "Output file for the deformed mesh")
	fs.StringVar(&opts.PreviewFile, "preview", "", "Write a wireframe preview of the result to this file")
	fs.StringVar(&opts.RenderFormat, "format", "", "Preview format: svg or png (default: from the preview file extension)")
	fs.StringVar(&opts.StatusCache, "status-cache", "", "Persist the run status JSON to this file")
	fs.BoolVar(&opts.Rigid, "rigid", false, "Run rigid ICP pre-alignment before the non-rigid fit")
	fs.BoolVar(&opts.NoProject, "no-project", false, "Keep fitted positions instead of snapping accepted vertices onto the target")
	fs.BoolVar(&opts.NormalWeighting, "normal-weighting", false, "Reject correspondences whose normals disagree")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render source and target to --preview and exit (no registration)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish progress and results over MQTT (MQTT service mode)")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve run status and results over HTTP until interrupted")
	fs.IntVar(&opts.HttpPort, "http-port", 4040, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "meshfit version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.RenderOnly:
		return app.RunRender()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	case opts.SourceFile != "" && opts.TargetFile != "":
		return app.RunRegister()
	}

	fmt.Fprintln(out, "Usage: meshfit --source SRC.obj --target TGT.obj [--output OUT.obj]")
	fmt.Fprintln(out, "Use --rigid to pre-align with rigid ICP")
	fmt.Fprintln(out, "Use --preview FILE to write an SVG or PNG wireframe of the result")
	fmt.Fprintln(out, "Use --render to preview the inputs without registering")
	fmt.Fprintln(out, "Use --mqtt to publish progress, --http to serve status and results")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  --config config.yaml - registration, rigid, MQTT and render settings")
	return nil
}
