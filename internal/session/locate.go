package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

// EnvAnalyzer names the environment variable holding an analyzer path.
const EnvAnalyzer = "DECKFOLD_ANALYZER"

// AnalyzerName is the executable searched next to deckfold and on PATH.
const AnalyzerName = "deckfold-analyzer"

// Replaced in tests.
var (
	getenv     = os.Getenv
	executable = os.Executable
	lookPath   = exec.LookPath
)

// LocateBinary finds the analyzer. It tries, in order: cfg.Path, the
// DECKFOLD_ANALYZER environment variable, deckfold-analyzer next to the
// running executable, deckfold-analyzer on PATH and, when cfg.SelfAnalyze is
// set, the running executable with the analyze subcommand. An explicit path
// that is missing or not executable is an error rather than a reason to keep
// searching.
func LocateBinary(cfg AnalyzerConfig) (Binary, error) {
	args := append([]string(nil), cfg.Args...)

	if cfg.Path != "" {
		if err := checkExecutable(cfg.Path); err != nil {
			return Binary{}, fmt.Errorf("%w: analyzer.path: %w", ErrBinaryNotFound, err)
		}
		return Binary{Path: cfg.Path, Args: args}, nil
	}

	if p := getenv(EnvAnalyzer); p != "" {
		if err := checkExecutable(p); err != nil {
			return Binary{}, fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, EnvAnalyzer, err)
		}
		return Binary{Path: p, Args: args}, nil
	}

	self, selfErr := executable()
	if selfErr == nil {
		sibling := filepath.Join(filepath.Dir(self), AnalyzerName)
		if checkExecutable(sibling) == nil {
			return Binary{Path: sibling, Args: args}, nil
		}
	}

	if p, err := lookPath(AnalyzerName); err == nil {
		return Binary{Path: p, Args: args}, nil
	}

	if cfg.SelfAnalyze && selfErr == nil {
		selfArgs := []string{"analyze"}
		if cfg.Codec != "" {
			selfArgs = append(selfArgs, "--codec", cfg.Codec)
		}
		return Binary{Path: self, Args: selfArgs}, nil
	}

	return Binary{}, fmt.Errorf("%w: set analyzer.path or %s, or install %s on PATH", ErrBinaryNotFound, EnvAnalyzer, AnalyzerName)
}

// checkExecutable accepts an existing regular file with an execute bit.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: not a regular file", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return &fs.PathError{Op: "exec", Path: path, Err: errors.New("permission denied")}
	}
	return nil
}
