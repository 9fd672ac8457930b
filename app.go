package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/meshfit/mesh"
)

// mqttConnectTimeout bounds the initial broker connection in service mode
const mqttConnectTimeout = 30 * time.Second

// fetchTimeout bounds loading both input meshes, retries included
const fetchTimeout = 2 * time.Minute

// App encapsulates the application state and dependencies
type App struct {
	Config     *mesh.Config
	Tracker    *mesh.RunTracker
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher

	// CLI Flags (effectively dependencies)
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
	HttpPort        int
	MqttMode        bool
	HttpMode        bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: mesh.NewRunTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SourceFile = opts.SourceFile
	a.TargetFile = opts.TargetFile
	a.OutputFile = opts.OutputFile
	a.PreviewFile = opts.PreviewFile
	a.RenderFormat = opts.RenderFormat
	a.StatusCache = opts.StatusCache
	a.Rigid = opts.Rigid
	a.NoProject = opts.NoProject
	a.NormalWeighting = opts.NormalWeighting
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode

	if a.StatusCache != "" {
		a.Tracker = mesh.NewRunTrackerWithCache(a.StatusCache)
	}
}

// loadConfig reads the config file (or the defaults), applies environment
// overrides and then the command line flags
func (a *App) loadConfig() (*mesh.Config, error) {
	config := mesh.DefaultConfig()
	if a.ConfigFile != "" {
		loaded, err := mesh.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		config = loaded
		log.Printf("Loaded config from %s", a.ConfigFile)
	}
	config.ApplyEnv()

	if a.Rigid {
		config.Rigid.Enabled = true
	}
	if a.NoProject {
		config.Registration.ProjectToTarget = false
	}
	if a.NormalWeighting {
		config.Registration.NormalWeighting = true
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a.Config = config
	return config, nil
}

// loadMeshes reads the source and target OBJ meshes from files or URLs
func (a *App) loadMeshes() (source, target *mesh.Mesh, err error) {
	if a.SourceFile == "" || a.TargetFile == "" {
		return nil, nil, errors.New("both --source and --target are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	source, err = mesh.LoadMesh(ctx, a.SourceFile)
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	target, err = mesh.LoadMesh(ctx, a.TargetFile)
	if err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}
	log.Printf("Loaded source %s (%d vertices, %d faces) and target %s (%d vertices, %d faces)",
		a.SourceFile, len(source.Vertices), len(source.Faces),
		a.TargetFile, len(target.Vertices), len(target.Faces))
	return source, target, nil
}

// alignRigid runs rigid ICP when enabled and returns the source to deform
func (a *App) alignRigid(source, target *mesh.Mesh, cfg mesh.RigidConfig) *mesh.Mesh {
	if !cfg.Enabled {
		return source
	}
	a.Tracker.SetPhase(mesh.PhaseRigid)
	defer a.Tracker.SetPhase(mesh.PhaseRunning)

	res := mesh.AlignRigid(source, target, mesh.Identity4(), cfg)
	log.Printf("[ICP] rigid alignment: rotation=%.2f° error=%.4f inliers=%.1f%% iterations=%d converged=%v",
		mesh.RotationAngle(res.Transform), res.Error, res.InlierFraction*100, res.Iterations, res.Converged)

	aligned := mesh.TransformMesh(source, res.Transform)
	a.Tracker.SetSource(aligned)
	return aligned
}

// register runs the full pipeline: load, optional rigid alignment, non-rigid
// fit, then write the output and preview. The tracker and publisher (when
// set) follow every step.
func (a *App) register() (*mesh.Result, error) {
	config, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	source, target, err := a.loadMeshes()
	if err != nil {
		return nil, err
	}

	a.Tracker.Start(filepath.Base(a.SourceFile), filepath.Base(a.TargetFile), source, target)
	aligned := a.alignRigid(source, target, config.Rigid)

	progress := a.Tracker.Update
	if a.Publisher != nil {
		publish := a.Publisher.ProgressHandler()
		progress = func(p mesh.Progress) {
			a.Tracker.Update(p)
			publish(p)
		}
	}

	res, err := mesh.Register(aligned, target, config.Registration, mesh.WithProgress(progress))
	if err != nil {
		a.fail(err)
		return nil, err
	}
	a.Tracker.Finish(res)

	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(res, len(config.Registration.StiffnessSchedule)); err != nil {
			log.Printf("Error publishing result: %v", err)
		}
	}

	if a.OutputFile != "" {
		if err := mesh.SaveOBJ(a.OutputFile, res.Mesh); err != nil {
			return res, fmt.Errorf("failed to write output: %w", err)
		}
		log.Printf("Saved deformed mesh to %s", a.OutputFile)
	}
	if a.PreviewFile != "" {
		if err := a.writePreview(a.PreviewFile, aligned, target, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (a *App) fail(err error) {
	a.Tracker.Fail(err)
	if a.Publisher != nil {
		if pubErr := a.Publisher.PublishFailure(err); pubErr != nil {
			log.Printf("Error publishing failure: %v", pubErr)
		}
	}
}

// RunRegister registers the source mesh onto the target and prints a summary
func (a *App) RunRegister() error {
	res, err := a.register()
	if err != nil {
		return err
	}
	printSummary(res)
	return nil
}

func printSummary(res *mesh.Result) {
	fmt.Println("\nRegistration complete")
	fmt.Println("=====================")
	fmt.Printf("Solves:        %d\n", res.Solves)
	fmt.Printf("Accepted:      %d/%d vertices\n", res.Accepted(), len(res.Correspondences))
	fmt.Printf("Mean distance: %.6f\n", res.MeanDistance())
	if len(res.Warnings) > 0 {
		fmt.Printf("Warnings:      %d iteration(s) without accepted correspondences\n", len(res.Warnings))
	}
}

// RunRender writes a preview of the (optionally rigidly aligned) inputs
// without running the non-rigid registration
func (a *App) RunRender() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	source, target, err := a.loadMeshes()
	if err != nil {
		return err
	}
	if a.PreviewFile == "" {
		a.PreviewFile = "preview." + a.previewFormat("")
	}

	a.Tracker.Start(filepath.Base(a.SourceFile), filepath.Base(a.TargetFile), source, target)
	aligned := a.alignRigid(source, target, config.Rigid)
	return a.writePreview(a.PreviewFile, aligned, target, nil)
}

// previewFormat resolves the preview format from the flag or the file extension
func (a *App) previewFormat(path string) string {
	if a.RenderFormat != "" {
		return strings.ToLower(a.RenderFormat)
	}
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "png"
	}
	return "svg"
}

func (a *App) writePreview(path string, source, target *mesh.Mesh, res *mesh.Result) error {
	renderConfig := mesh.DefaultConfig().Render
	if a.Config != nil {
		renderConfig = a.Config.Render
	}
	renderer := mesh.NewMeshRenderer(renderConfig)
	renderer.Source = source
	renderer.Target = target
	if res != nil {
		renderer.SetResult(res)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create preview: %w", err)
	}
	defer f.Close()

	switch format := a.previewFormat(path); format {
	case "png":
		err = renderer.RenderToPNG(f)
	case "svg":
		err = renderer.RenderToSVG(f)
	default:
		err = fmt.Errorf("unknown preview format %q (want svg or png)", format)
	}
	if err != nil {
		return fmt.Errorf("failed to render preview: %w", err)
	}
	log.Printf("Saved preview to %s", path)
	return nil
}

// RunService connects to MQTT and/or starts the HTTP server, runs the
// registration if inputs are given, and with HTTP enabled keeps serving
// until interrupted
func (a *App) RunService() error {
	fmt.Println("Starting meshfit service...")

	config, err := a.loadConfig()
	if err != nil {
		return err
	}

	if a.MqttMode {
		client, err := mesh.NewMQTTClient(config.MQTT)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("mqtt.broker is required for --mqtt (config file or MQTT_BROKER)")
		}
		ctx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
		err = client.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.GetClient(), client.PublishPrefix())
		defer client.Disconnect()
		fmt.Println("MQTT progress publisher initialized")
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Tracker, config.Render),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	if a.SourceFile != "" && a.TargetFile != "" {
		res, err := a.register()
		if err != nil {
			log.Printf("Registration failed: %v", err)
			if server == nil {
				return err
			}
		} else {
			printSummary(res)
		}
	}

	if server == nil {
		return nil
	}

	fmt.Println("\nPress Ctrl+C to stop")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	fmt.Println("Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.Publisher != nil {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Progress: %s\n", a.Publisher.ProgressTopic())
		fmt.Printf("  Result:   %s\n", a.Publisher.ResultTopic())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health       - Health check")
		fmt.Println("  GET /status       - Run status (JSON)")
		fmt.Println("  GET /result.obj   - Deformed mesh")
		fmt.Println("  GET /preview.svg  - Wireframe preview (?view=front|side|top)")
		fmt.Println("  GET /preview.png  - Raster wireframe preview")
	}
}
