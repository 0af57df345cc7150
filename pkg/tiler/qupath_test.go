package tiler

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runQupath.sh")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func collect(t *testing.T, run *Run) []string {
	t.Helper()
	var lines []string
	for line := range run.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func TestStartStreamsArguments(t *testing.T) {
	script := writeScript(t, "echo \"args: $@\"\necho oops >&2\n")
	q := NewQuPath(script, "/data/proj.qpproj", "/data/tiles.groovy")

	run, err := q.Start(context.Background(), "slide 1.svs")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	lines := collect(t, run)
	if err := run.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %v", lines)
	}
	if lines[0] != "args: slide 1.svs /data/proj.qpproj /data/tiles.groovy" {
		t.Errorf("Unexpected argument line: %q", lines[0])
	}
	if !slices.Contains(lines, "oops") {
		t.Errorf("Expected stderr merged into the output, got %v", lines)
	}
}

func TestStartWholeProject(t *testing.T) {
	script := writeScript(t, "echo $#\n")
	q := NewQuPath(script, "proj.qpproj", "tiles.groovy")

	run, err := q.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	lines := collect(t, run)
	if err := run.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(lines) != 1 || lines[0] != "2" {
		t.Errorf("Expected the project run to pass 2 arguments, got %v", lines)
	}
}

func TestWaitReportsExitStatus(t *testing.T) {
	script := writeScript(t, "echo partial\nexit 3\n")
	run, err := NewQuPath(script, "p", "g").Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(t, run)
	if err := run.Wait(); err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Errorf("Expected exit status 3, got %v", err)
	}
}

func TestDefaultDirs(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"", "/data/project/tiles"},
		{"/scratch", "/scratch/tiles"},
		{"/scratch/tiles", "/scratch/tiles"},
		{"/scratch/tiles/", "/scratch/tiles/"},
	}
	for _, tt := range tests {
		if got := DefaultTilesDir("/data/project/p.qpproj", tt.dir); got != tt.want {
			t.Errorf("DefaultTilesDir(%q): expected %s, got %s", tt.dir, tt.want, got)
		}
	}

	if got := DefaultOutputDir("/data/project/p.qpproj", ""); got != "/data/project/results" {
		t.Errorf("Unexpected default output dir %s", got)
	}
	if got := DefaultOutputDir("/data/project/p.qpproj", "/out"); got != "/out" {
		t.Errorf("Unexpected explicit output dir %s", got)
	}
}

func TestPrepareScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generateTiles.groovy")
	original := strings.Join([]string{
		"import qupath.lib.images.servers.LabeledImageServer",
		"def pathOutput = buildFilePath(PROJECT_BASE_DIR, 'tiles', name_n)",
		"mkdirs(pathOutput)",
		"File logfile = new File(PROJECT_BASE_DIR, 'logfile.log')",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatal(err)
	}

	if err := PrepareScript(path, "/scratch/tiles", "/scratch/results"); err != nil {
		t.Fatalf("PrepareScript failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(data), "\n")
	if lines[1] != "def pathOutput = buildFilePath('/scratch/tiles', name_n)" {
		t.Errorf("Output path not rewritten: %q", lines[1])
	}
	if lines[3] != "File logfile = new File('/scratch/results', 'logfile.log')" {
		t.Errorf("Log path not rewritten: %q", lines[3])
	}
	if lines[0] != "import qupath.lib.images.servers.LabeledImageServer" || lines[2] != "mkdirs(pathOutput)" {
		t.Errorf("Unrelated lines changed: %v", lines)
	}
}
