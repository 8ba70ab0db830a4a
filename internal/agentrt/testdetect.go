package agentrt

import (
	"os"
	"path/filepath"
)

// detectedCheck is one auto-detected test/lint command, mirroring
// internal/merge.QualityCheck's argv-list shape so both packages invoke
// exec.CommandContext the same way.
type detectedCheck struct {
	Name     string
	Command  []string
	Required bool
}

// projectKindMarker maps a filesystem marker (spec.md §4.6f: "presence of
// a Node manifest, a Python requirements file, a Go module file, a Cargo
// manifest, a Maven or Gradle file") to its default command set.
type projectKindMarker struct {
	Kind   string
	Marker string
	Checks []detectedCheck
}

var projectKindMarkers = []projectKindMarker{
	{
		Kind:   "go",
		Marker: "go.mod",
		Checks: []detectedCheck{
			{Name: "go build", Command: []string{"go", "build", "./..."}, Required: true},
			{Name: "go test", Command: []string{"go", "test", "./..."}, Required: true},
			{Name: "go vet", Command: []string{"go", "vet", "./..."}, Required: false},
		},
	},
	{
		Kind:   "node",
		Marker: "package.json",
		Checks: []detectedCheck{
			{Name: "npm test", Command: []string{"npm", "test"}, Required: true},
			{Name: "npm lint", Command: []string{"npm", "run", "lint", "--if-present"}, Required: false},
		},
	},
	{
		Kind:   "python",
		Marker: "requirements.txt",
		Checks: []detectedCheck{
			{Name: "pytest", Command: []string{"python", "-m", "pytest"}, Required: true},
		},
	},
	{
		Kind:   "cargo",
		Marker: "Cargo.toml",
		Checks: []detectedCheck{
			{Name: "cargo test", Command: []string{"cargo", "test"}, Required: true},
			{Name: "cargo clippy", Command: []string{"cargo", "clippy"}, Required: false},
		},
	},
	{
		Kind:   "maven",
		Marker: "pom.xml",
		Checks: []detectedCheck{
			{Name: "mvn test", Command: []string{"mvn", "-q", "test"}, Required: true},
		},
	},
	{
		Kind:   "gradle",
		Marker: "build.gradle",
		Checks: []detectedCheck{
			{Name: "gradle test", Command: []string{"./gradlew", "test"}, Required: true},
		},
	},
}

// detectProjectChecks auto-detects the project kind from filesystem
// markers in workDir and returns the default command set for it. Markers
// are checked in priority order; the first match wins. An unrecognized
// project yields no checks (required-check gating becomes a no-op, never
// a hard failure), since this isn't a scenario the spec treats as fatal.
func detectProjectChecks(workDir string) []detectedCheck {
	for _, m := range projectKindMarkers {
		if _, err := os.Stat(filepath.Join(workDir, m.Marker)); err == nil {
			return m.Checks
		}
	}
	return nil
}
