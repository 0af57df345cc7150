// Package tiler drives the external slide tiling tool. The tool is opaque: it
// is started for a slide (or a whole project), its merged output is streamed
// line by line, and it eventually leaves tile files in a known directory.
package tiler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Run is one invocation of the tiling tool
type Run struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	err    error
}

// Lines yields the tool's output as it is produced. It must be drained before
// calling Wait.
func (r *Run) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(r.stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			r.err = err
		}
		// keep the pipe drained so the process can exit
		io.Copy(io.Discard, r.stdout)
	}
}

// Wait blocks until the tool exits and returns its exit status as an error
func (r *Run) Wait() error {
	err := r.cmd.Wait()
	if err != nil {
		return fmt.Errorf("tiling command failed: %w", err)
	}
	if r.err != nil {
		return fmt.Errorf("failed to read tiling output: %w", r.err)
	}
	return nil
}

// QuPath runs the tiling shell script against a QuPath project:
//
//	sh <ShellScript> [<wsi>] <Project> <GroovyScript>
type QuPath struct {
	Shell        string
	ShellScript  string
	Project      string
	GroovyScript string
}

// NewQuPath creates a tiler using /bin/sh
func NewQuPath(shellScript, project, groovyScript string) *QuPath {
	return &QuPath{
		Shell:        "sh",
		ShellScript:  shellScript,
		Project:      project,
		GroovyScript: groovyScript,
	}
}

// Start launches tiling for one slide, or for the whole project when wsi is
// empty. stdout and stderr are merged into Lines.
func (q *QuPath) Start(ctx context.Context, wsi string) (*Run, error) {
	args := []string{q.ShellScript}
	if wsi != "" {
		args = append(args, wsi)
	}
	args = append(args, q.Project, q.GroovyScript)

	cmd := exec.CommandContext(ctx, q.Shell, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to tiling output: %w", err)
	}
	// share the pipe so stderr is interleaved with stdout
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tiling command: %w", err)
	}

	return &Run{cmd: cmd, stdout: stdout}, nil
}

// DefaultTilesDir resolves the tile root: <project dir>/tiles when dir is
// empty, otherwise dir with "tiles" appended unless it already ends in it
func DefaultTilesDir(project, dir string) string {
	if dir == "" {
		return filepath.Join(filepath.Dir(project), "tiles")
	}
	if filepath.Base(filepath.Clean(dir)) != "tiles" {
		return filepath.Join(dir, "tiles")
	}
	return dir
}

// DefaultOutputDir resolves the results root: <project dir>/results when dir is empty
func DefaultOutputDir(project, dir string) string {
	if dir == "" {
		return filepath.Join(filepath.Dir(project), "results")
	}
	return dir
}

// PrepareScript rewrites the groovy tiling script in place so the tiles land in
// tilesDir and the script log in outputDir
func PrepareScript(path, tilesDir, outputDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read groovy script: %w", err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "def pathOutput = buildFilePath"):
			lines[i] = fmt.Sprintf("def pathOutput = buildFilePath('%s', name_n)\n", tilesDir)
		case strings.HasPrefix(line, "File logfile = new File"):
			lines[i] = fmt.Sprintf("File logfile = new File('%s', 'logfile.log')\n", outputDir)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "")), info.Mode().Perm())
}
