package spec

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/proctools/sentinel/pkg/errors"
)

// ResolveCommand resolves a spec's command to a concrete executable path.
//
// The resolution rule is deterministic: a command containing a path separator
// is taken as a filesystem path, resolved against the working directory when
// relative, and must point at an existing executable file. A bare name is
// looked up on PATH, where a PATH entry in the spec's environment map takes
// precedence over the inherited PATH.
func ResolveCommand(s *ProcessSpec) (string, error) {
	if s.Command == "" {
		return "", errors.NewValidationError("command is required", nil).WithContext("name", s.Name)
	}

	if strings.ContainsRune(s.Command, os.PathSeparator) || strings.ContainsRune(s.Command, '/') {
		path := s.Command
		if !filepath.IsAbs(path) {
			base := s.WorkingDirectory
			if base == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return "", errors.NewIOError("failed to determine working directory", err).WithContext("name", s.Name)
				}
				base = cwd
			}
			path = filepath.Join(base, path)
		}

		if err := checkExecutable(path); err != nil {
			return "", err
		}
		return path, nil
	}

	// Bare name: PATH lookup, spec environment override first
	if pathOverride, ok := s.Environment["PATH"]; ok {
		for _, dir := range filepath.SplitList(pathOverride) {
			if dir == "" {
				continue
			}
			candidate := filepath.Join(dir, s.Command)
			if err := checkExecutable(candidate); err == nil {
				return candidate, nil
			}
		}
		return "", errors.NewSpawnError("executable not found on configured PATH: "+s.Command, nil).WithContext("name", s.Name)
	}

	path, err := exec.LookPath(s.Command)
	if err != nil {
		return "", errors.NewSpawnError("executable not found: "+s.Command, err).WithContext("name", s.Name)
	}
	return path, nil
}

// checkExecutable verifies that path points at an existing executable file.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewSpawnError("executable not found: "+path, err)
	}
	if info.IsDir() {
		return errors.NewSpawnError("executable path is a directory: "+path, nil)
	}

	// Windows decides executability by extension, not mode bits
	if runtime.GOOS == "windows" {
		return nil
	}

	if info.Mode()&0111 == 0 {
		return errors.NewPermissionError("file is not executable: "+path, nil)
	}
	return nil
}
