package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ReadOBJ loads a Wavefront OBJ file from disk
func ReadOBJ(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	m, err := ParseOBJ(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return m, nil
}

// ParseOBJ reads vertices (v), vertex normals (vn) and faces (f) from an OBJ
// stream. Polygons are fan-triangulated. Face corners may reference normals
// (a//n, a/t/n); when every vertex ends up with exactly one normal they are
// returned in Mesh.Normals, otherwise normals are dropped. Other statements
// are ignored.
func ParseOBJ(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	var normals []r3.Vec
	var vertexNormal []int // vertex index -> normal index, -1 unset
	normalsUsable := true

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "v":
			v, err := parseVec(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: vertex: %w", lineNo, err)
			}
			m.Vertices = append(m.Vertices, v)
			vertexNormal = append(vertexNormal, -1)
		case "vn":
			n, err := parseVec(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: normal: %w", lineNo, err)
			}
			normals = append(normals, n)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 corners, got %d", lineNo, len(fields)-1)
			}
			corners := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				vi, ni, err := parseCorner(tok, len(m.Vertices), len(normals))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
				corners = append(corners, vi)
				switch {
				case ni < 0:
					normalsUsable = false
				case vertexNormal[vi] == -1:
					vertexNormal[vi] = ni
				case vertexNormal[vi] != ni && normals[vertexNormal[vi]] != normals[ni]:
					normalsUsable = false
				}
			}
			for k := 1; k+1 < len(corners); k++ {
				m.Faces = append(m.Faces, Face{corners[0], corners[k], corners[k+1]})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if normalsUsable && len(normals) > 0 {
		out := make([]r3.Vec, len(m.Vertices))
		for i, ni := range vertexNormal {
			if ni < 0 {
				normalsUsable = false
				break
			}
			out[i] = normals[ni]
		}
		if normalsUsable {
			m.Normals = out
		}
	}
	return m, nil
}

func parseVec(fields []string) (r3.Vec, error) {
	if len(fields) < 3 {
		return r3.Vec{}, fmt.Errorf("need 3 coordinates, got %d", len(fields))
	}
	var xyz [3]float64
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return r3.Vec{}, err
		}
		xyz[i] = f
	}
	return r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

// parseCorner decodes "v", "v/t", "v//n" or "v/t/n" into zero-based vertex
// and normal indices (normal -1 when absent). Negative OBJ indices count back
// from the most recent element.
func parseCorner(tok string, nVerts, nNormals int) (int, int, error) {
	parts := strings.Split(tok, "/")
	vi, err := resolveIndex(parts[0], nVerts)
	if err != nil {
		return 0, 0, fmt.Errorf("face vertex %q: %w", tok, err)
	}
	ni := -1
	if len(parts) == 3 && parts[2] != "" {
		ni, err = resolveIndex(parts[2], nNormals)
		if err != nil {
			return 0, 0, fmt.Errorf("face normal %q: %w", tok, err)
		}
	}
	return vi, ni, nil
}

func resolveIndex(s string, n int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	switch {
	case i > 0 && i <= n:
		return i - 1, nil
	case i < 0 && -i <= n:
		return n + i, nil
	}
	return 0, fmt.Errorf("%w: index %d out of range (have %d)", ErrInvalidMesh, i, n)
}

// WriteOBJ writes vertices, normals (if present) and faces in OBJ format
func WriteOBJ(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %d vertices, %d faces\n", len(m.Vertices), len(m.Faces))
	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "v %s %s %s\n", formatFloat(v.X), formatFloat(v.Y), formatFloat(v.Z))
	}
	for _, n := range m.Normals {
		fmt.Fprintf(bw, "vn %s %s %s\n", formatFloat(n.X), formatFloat(n.Y), formatFloat(n.Z))
	}
	withNormals := m.HasNormals()
	for _, f := range m.Faces {
		if withNormals {
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", f[0]+1, f[0]+1, f[1]+1, f[1]+1, f[2]+1, f[2]+1)
		} else {
			fmt.Fprintf(bw, "f %d %d %d\n", f[0]+1, f[1]+1, f[2]+1)
		}
	}
	return bw.Flush()
}

// SaveOBJ writes a mesh to an OBJ file
func SaveOBJ(path string, m *Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteOBJ(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
