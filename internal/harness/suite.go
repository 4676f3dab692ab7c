package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// scenarioPattern selects scenario files under a directory.
const scenarioPattern = "**/*.{yaml,yml}"

// ScenarioNotFoundError is returned when a path given to the suite doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// SuiteOptions controls RunSuite.
type SuiteOptions struct {
	// Filter is a doublestar pattern matched against each scenario path
	// relative to the directory it was found in. Empty matches everything.
	Filter string

	// Determinism runs every scenario a second time and fails it when the
	// two snapshots differ.
	Determinism bool

	// Options are passed to every harness.
	Options []Option
}

// SuiteResult summarizes a RunSuite call.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents one failed scenario.
type ScenarioFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Scenario     string `json:"scenario,omitempty"`
	Error        string `json:"error"`
}

// DiscoverScenarios expands paths into scenario files. Directories are
// searched recursively; files are taken as given. Both are subject to
// filter. The result is sorted and free of duplicates.
func DiscoverScenarios(paths []string, filter string) ([]string, error) {
	if filter != "" && !doublestar.ValidatePattern(filter) {
		return nil, fmt.Errorf("invalid filter pattern %q", filter)
	}

	seen := make(map[string]bool)
	var found []string
	add := func(path, rel string) error {
		if filter != "" {
			ok, err := doublestar.Match(filter, filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if !seen[path] {
			seen[path] = true
			found = append(found, path)
		}
		return nil
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: path}
		}
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			if err := add(path, filepath.Base(path)); err != nil {
				return nil, err
			}
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(path), scenarioPattern)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", path, err)
		}
		for _, rel := range matches {
			if err := add(filepath.Join(path, filepath.FromSlash(rel)), rel); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(found)
	return found, nil
}

// RunSuite loads and runs every scenario under paths.
//
// For each scenario file:
// 1. Load and validate it
// 2. Run it via RunContext
// 3. Optionally rerun it and diff the snapshots
// 4. Collect and report results
func RunSuite(ctx context.Context, paths []string, opts SuiteOptions) (*SuiteResult, error) {
	files, err := DiscoverScenarios(paths, opts.Filter)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	fail := func(path, name, msg string) {
		result.Failed++
		result.Failures = append(result.Failures, ScenarioFailure{
			ScenarioPath: path,
			Scenario:     name,
			Error:        msg,
		})
	}

	for _, path := range files {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			fail(path, "", fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := RunContext(ctx, scenario, opts.Options...)
		if err != nil {
			fail(path, scenario.Name, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !runResult.Pass {
			fail(path, scenario.Name, fmt.Sprintf("scenario assertions failed: %v", runResult.Errors))
			continue
		}

		if opts.Determinism {
			diff, err := CheckDeterminism(ctx, scenario, opts.Options...)
			if err != nil {
				fail(path, scenario.Name, fmt.Sprintf("determinism check failed: %v", err))
				continue
			}
			if diff != "" {
				fail(path, scenario.Name, "scenario is not deterministic:\n"+diff)
				continue
			}
		}

		result.Passed++
	}
	return result, nil
}
