package main

import (
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/meshfit/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// fastConfigYAML keeps end-to-end runs short
const fastConfigYAML = `registration:
  stiffnessSchedule: [20, 5, 1.5]
  innerIterations: 2
  gamma: 1
  rejectionDistance: 1
  projectToTarget: true
  damping: 0.0001
render:
  width: 200
  height: 150
  view: front
  resolution: 96
`

// writeGrid saves an n x n grid with unit spacing, lifting vertex lift by dz
func writeGrid(t *testing.T, path string, n, lift int, dz float64) *mesh.Mesh {
	t.Helper()
	m := &mesh.Mesh{}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			m.Vertices = append(m.Vertices, r3.Vec{X: float64(x), Y: float64(y)})
		}
	}
	for y := 0; y < n-1; y++ {
		for x := 0; x < n-1; x++ {
			i := y*n + x
			m.Faces = append(m.Faces, mesh.Face{i, i + 1, i + n}, mesh.Face{i + 1, i + n + 1, i + n})
		}
	}
	if lift >= 0 {
		m.Vertices[lift].Z = dz
	}
	require.NoError(t, mesh.SaveOBJ(path, m))
	return m
}

// testApp returns an App wired to a temp directory holding a config, a flat
// 4x4 source and a target with one raised corner
func testApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fastConfigYAML), 0644))
	writeGrid(t, filepath.Join(dir, "source.obj"), 4, -1, 0)
	writeGrid(t, filepath.Join(dir, "target.obj"), 4, 15, 0.4)

	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile: configPath,
		SourceFile: filepath.Join(dir, "source.obj"),
		TargetFile: filepath.Join(dir, "target.obj"),
		OutputFile: filepath.Join(dir, "out.obj"),
	})
	return app, dir
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.Tracker, "Tracker should be initialized")
	assert.Equal(t, mesh.PhaseIdle, app.Tracker.Snapshot().Phase)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:      "test-config.yaml",
		SourceFile:      "a.obj",
		TargetFile:      "b.obj",
		OutputFile:      "out.obj",
		PreviewFile:     "p.svg",
		RenderFormat:    "svg",
		Rigid:           true,
		NoProject:       true,
		NormalWeighting: true,
		HttpPort:        8080,
		MqttMode:        true,
		HttpMode:        false,
	}
	app.ApplyOptions(opts)

	assert.Equal(t, "test-config.yaml", app.ConfigFile)
	assert.Equal(t, "a.obj", app.SourceFile)
	assert.Equal(t, "b.obj", app.TargetFile)
	assert.Equal(t, "out.obj", app.OutputFile)
	assert.Equal(t, "p.svg", app.PreviewFile)
	assert.Equal(t, "svg", app.RenderFormat)
	assert.True(t, app.Rigid)
	assert.True(t, app.NoProject)
	assert.True(t, app.NormalWeighting)
	assert.Equal(t, 8080, app.HttpPort)
	assert.True(t, app.MqttMode)
	assert.False(t, app.HttpMode)
}

func TestApplyOptions_StatusCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, mesh.SaveRunStatus(&mesh.RunStatus{Phase: mesh.PhaseDone, Source: "old.obj"}, path))

	app := NewApp()
	app.ApplyOptions(AppOptions{StatusCache: path})
	st := app.Tracker.Snapshot()
	assert.Equal(t, mesh.PhaseDone, st.Phase)
	assert.Equal(t, "old.obj", st.Source)
}

func TestLoadConfig_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")

	app := NewApp()
	config, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, mesh.DefaultRegistrationConfig(), config.Registration)
	assert.Equal(t, "tcp://broker:1883", config.MQTT.Broker)
	assert.Same(t, config, app.Config)

	app.Rigid, app.NoProject, app.NormalWeighting = true, true, true
	config, err = app.loadConfig()
	require.NoError(t, err)
	assert.True(t, config.Rigid.Enabled)
	assert.False(t, config.Registration.ProjectToTarget)
	assert.True(t, config.Registration.NormalWeighting)
}

func TestLoadConfig_File(t *testing.T) {
	app, _ := testApp(t)
	config, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 5, 1.5}, config.Registration.StiffnessSchedule)
	assert.Equal(t, 200, config.Render.Width)

	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = app.loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestRunRegister_EndToEnd(t *testing.T) {
	app, dir := testApp(t)
	app.PreviewFile = filepath.Join(dir, "preview.svg")

	require.NoError(t, app.RunRegister())

	out, err := mesh.ReadOBJ(app.OutputFile)
	require.NoError(t, err)
	require.Len(t, out.Vertices, 16)
	assert.Len(t, out.Faces, 18)
	// The raised corner is matched and projected onto the target
	assert.InDelta(t, 0.4, out.Vertices[15].Z, 1e-9)

	svg, err := os.ReadFile(app.PreviewFile)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	st := app.Tracker.Snapshot()
	assert.Equal(t, mesh.PhaseDone, st.Phase)
	assert.Equal(t, "source.obj", st.Source)
	assert.Equal(t, 6, st.Solves)
	assert.Equal(t, 16, st.Accepted)
	assert.NotNil(t, app.Tracker.Result())
}

func TestRunRegister_RigidAndPNGPreview(t *testing.T) {
	app, dir := testApp(t)
	app.Rigid = true
	app.PreviewFile = filepath.Join(dir, "preview.png")

	require.NoError(t, app.RunRegister())

	f, err := os.Open(app.PreviewFile)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.InDelta(t, 200, img.Bounds().Dx(), 1)
	assert.InDelta(t, 150, img.Bounds().Dy(), 1)

	// The tracker shows the rigidly aligned source
	src, tgt := app.Tracker.Meshes()
	require.NotNil(t, src)
	require.NotNil(t, tgt)
	assert.Len(t, src.Vertices, 16)
}

func TestRunRegister_PublishesOverMQTT(t *testing.T) {
	app, _ := testApp(t)
	client := mesh.NewMockClient()
	client.SetConnected(true)
	app.Publisher = mesh.NewPublisher(client, "fit")

	require.NoError(t, app.RunRegister())

	assert.Len(t, client.MessagesOn("fit/progress"), 6)
	results := client.MessagesOn("fit/result")
	require.Len(t, results, 1)
	assert.Contains(t, string(results[0].Payload), `"status":"done"`)
}

func TestRunRegister_SingularFailure(t *testing.T) {
	app, dir := testApp(t)

	// An isolated vertex far from the target cannot be solved without damping
	src := "v 0 0 0\nv 1 0 0\nv 0 1 0\nv 1 1 0\nv 50 50 50\nf 1 2 3\nf 2 4 3\n"
	require.NoError(t, os.WriteFile(app.SourceFile, []byte(src), 0644))
	noDamping := strings.Replace(fastConfigYAML, "damping: 0.0001", "damping: 0", 1)
	require.NoError(t, os.WriteFile(app.ConfigFile, []byte(noDamping), 0644))

	client := mesh.NewMockClient()
	client.SetConnected(true)
	app.Publisher = mesh.NewPublisher(client, "fit")

	err := app.RunRegister()
	require.Error(t, err)
	assert.ErrorIs(t, err, mesh.ErrSingularSystem)

	assert.Equal(t, mesh.PhaseFailed, app.Tracker.Snapshot().Phase)
	assert.Nil(t, app.Tracker.Result())
	_, statErr := os.Stat(filepath.Join(dir, "out.obj"))
	assert.True(t, os.IsNotExist(statErr), "no output should be written on failure")

	results := client.MessagesOn("fit/result")
	require.Len(t, results, 1)
	assert.Contains(t, string(results[0].Payload), `"status":"failed"`)
}

func TestRunRegister_MissingInputs(t *testing.T) {
	app, _ := testApp(t)
	app.TargetFile = ""
	assert.Error(t, app.RunRegister())

	app, _ = testApp(t)
	app.SourceFile = filepath.Join(t.TempDir(), "none.obj")
	err := app.RunRegister()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")
}

func TestRunRegister_RemoteInputs(t *testing.T) {
	app, dir := testApp(t)
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()
	app.SourceFile = srv.URL + "/source.obj"
	app.TargetFile = srv.URL + "/target.obj"

	require.NoError(t, app.RunRegister())

	st := app.Tracker.Snapshot()
	assert.Equal(t, "source.obj", st.Source)
	assert.Equal(t, "target.obj", st.Target)
	_, err := os.Stat(app.OutputFile)
	assert.NoError(t, err)
}

func TestRunRender(t *testing.T) {
	app, dir := testApp(t)
	app.PreviewFile = filepath.Join(dir, "inputs.svg")

	require.NoError(t, app.RunRender())

	data, err := os.ReadFile(app.PreviewFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")
	assert.Nil(t, app.Tracker.Result(), "render mode does not register")
	_, statErr := os.Stat(app.OutputFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRender_UnknownFormat(t *testing.T) {
	app, dir := testApp(t)
	app.PreviewFile = filepath.Join(dir, "inputs.gif")
	app.RenderFormat = "gif"
	err := app.RunRender()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown preview format")
}

func TestPreviewFormat(t *testing.T) {
	tests := []struct {
		flag, path, want string
	}{
		{"", "a.svg", "svg"},
		{"", "a.PNG", "png"},
		{"", "a", "svg"},
		{"PNG", "a.svg", "png"},
		{"svg", "a.png", "svg"},
	}
	for _, tt := range tests {
		app := &App{RenderFormat: tt.flag}
		assert.Equal(t, tt.want, app.previewFormat(tt.path), "flag=%q path=%q", tt.flag, tt.path)
	}
}
