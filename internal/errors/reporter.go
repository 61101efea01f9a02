package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/huanfeng/sourcehub/internal/version"
)

// ErrorReport collects everything known about a failed command
type ErrorReport struct {
	Timestamp   time.Time            `json:"timestamp"`
	Error       *HubError            `json:"error"`
	Environment *EnvironmentInfo     `json:"environment"`
	Context     *OperationContext    `json:"context,omitempty"`
	Diagnosis   *DiagnosisResult     `json:"diagnosis,omitempty"`
	Suggestions []RecoverySuggestion `json:"suggestions"`
}

// EnvironmentInfo describes the process that produced a report
type EnvironmentInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	GoVersion    string `json:"go_version"`
	Version      string `json:"version"`
	WorkingDir   string `json:"working_dir"`
	ConfigPath   string `json:"config_path,omitempty"`
	StateDir     string `json:"state_dir,omitempty"`
}

// OperationContext describes the command that failed
type OperationContext struct {
	Command   string            `json:"command"`
	Arguments []string          `json:"arguments,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
}

// RecoverySuggestion is one thing the user can try
type RecoverySuggestion struct {
	Priority    int    `json:"priority"` // 1 = high, 2 = medium, 3 = low
	Category    string `json:"category"` // "immediate", "configuration", "environment"
	Action      string `json:"action"`
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
}

// DiagnosisResult is the outcome of DiagnoseError
type DiagnosisResult struct {
	Checks     []DiagnosisCheck `json:"checks"`
	Confidence float64          `json:"confidence"`
	Actionable bool             `json:"actionable"`
}

// DiagnosisCheck is a single diagnostic check
type DiagnosisCheck struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Message    string `json:"message"`
	Actionable bool   `json:"actionable"`
	Action     string `json:"action,omitempty"`
}

// Logger is the subset of the application logger the reporter uses
type Logger interface {
	Warn(format string, args ...interface{})
}

// ReporterOptions configures an ErrorReporter
type ReporterOptions struct {
	// ReportDir receives saved reports.
	ReportDir  string
	ConfigPath string
	StateDir   string
	Logger     Logger

	// NetworkCheck probes a URL taken from the error context. It is only
	// run for network and timeout errors.
	NetworkCheck func(ctx context.Context, url string) error

	// StorageCheck verifies the state and download directories. It is only
	// run for filesystem errors.
	StorageCheck func() error
}

// ErrorReporter turns a HubError into a report with a diagnosis and
// recovery suggestions.
type ErrorReporter struct {
	opts ReporterOptions
}

// NewErrorReporter creates a reporter
func NewErrorReporter(opts ReporterOptions) *ErrorReporter {
	return &ErrorReporter{opts: opts}
}

// GenerateReport diagnoses err and builds a report for it
func (er *ErrorReporter) GenerateReport(ctx context.Context, err *HubError, op *OperationContext) *ErrorReport {
	return &ErrorReport{
		Timestamp:   time.Now(),
		Error:       err,
		Environment: er.environment(),
		Context:     op,
		Diagnosis:   er.DiagnoseError(ctx, err),
		Suggestions: er.recoverySuggestions(err),
	}
}

// SaveReport writes report as JSON into the report directory and returns
// the file path.
func (er *ErrorReporter) SaveReport(report *ErrorReport) (string, error) {
	if er.opts.ReportDir == "" {
		return "", fmt.Errorf("no report directory configured")
	}
	if err := os.MkdirAll(er.opts.ReportDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("error_report_%s_%s.json", report.Timestamp.Format("20060102_150405"), report.Error.Code)
	path := filepath.Join(er.opts.ReportDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// WriteReport renders report for a terminal
func (er *ErrorReporter) WriteReport(w io.Writer, report *ErrorReport) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "🚨 ERROR REPORT")
	fmt.Fprintln(w, line)

	fmt.Fprintf(w, "⏰ Time: %s\n", report.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "🏷️  Type: %s\n", report.Error.Type)
	fmt.Fprintf(w, "🔍 Code: %s\n", report.Error.Code)
	fmt.Fprintf(w, "💬 Message: %s\n", report.Error.Message)
	if report.Error.Cause != nil {
		fmt.Fprintf(w, "🔗 Cause: %v\n", report.Error.Cause)
	}

	if op := report.Context; op != nil {
		fmt.Fprintln(w, "\n📋 OPERATION")
		fmt.Fprintf(w, "Command: %s\n", op.Command)
		if len(op.Arguments) > 0 {
			fmt.Fprintf(w, "Arguments: %s\n", strings.Join(op.Arguments, " "))
		}
		for _, name := range sortedKeys(op.Flags) {
			fmt.Fprintf(w, "  --%s: %s\n", name, op.Flags[name])
		}
		if op.Duration > 0 {
			fmt.Fprintf(w, "Duration: %v\n", op.Duration.Round(time.Millisecond))
		}
	}

	if env := report.Environment; env != nil {
		fmt.Fprintln(w, "\n🖥️  ENVIRONMENT")
		fmt.Fprintf(w, "Version: %s (%s, %s/%s)\n", env.Version, env.GoVersion, env.OS, env.Architecture)
		if env.ConfigPath != "" {
			fmt.Fprintf(w, "Config: %s\n", env.ConfigPath)
		}
		if env.StateDir != "" {
			fmt.Fprintf(w, "State: %s\n", env.StateDir)
		}
	}

	if len(report.Error.Context) > 0 {
		fmt.Fprintln(w, "\n📝 ERROR CONTEXT")
		for _, key := range sortedKeys(report.Error.Context) {
			fmt.Fprintf(w, "%s: %s\n", key, report.Error.Context[key])
		}
	}

	if d := report.Diagnosis; d != nil {
		fmt.Fprintln(w, "\n🩺 DIAGNOSIS")
		for _, c := range d.Checks {
			mark := "✅"
			if !c.Passed {
				mark = "❌"
			}
			fmt.Fprintf(w, "%s %s: %s\n", mark, c.Name, c.Message)
			if c.Action != "" {
				fmt.Fprintf(w, "   → %s\n", c.Action)
			}
		}
	}

	if len(report.Suggestions) > 0 {
		fmt.Fprintln(w, "\n💡 RECOVERY SUGGESTIONS")
		suggestions := append([]RecoverySuggestion(nil), report.Suggestions...)
		sort.SliceStable(suggestions, func(i, j int) bool { return suggestions[i].Priority < suggestions[j].Priority })
		for i, s := range suggestions {
			fmt.Fprintf(w, "%d. %s\n", i+1, s.Action)
			if s.Description != "" {
				fmt.Fprintf(w, "   %s\n", s.Description)
			}
			if s.Command != "" {
				fmt.Fprintf(w, "   💻 %s\n", s.Command)
			}
		}
	}

	fmt.Fprintln(w, line)
}

func (er *ErrorReporter) environment() *EnvironmentInfo {
	info := &EnvironmentInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		Version:      version.Short(),
		ConfigPath:   er.opts.ConfigPath,
		StateDir:     er.opts.StateDir,
	}
	if wd, err := os.Getwd(); err == nil {
		info.WorkingDir = wd
	} else if er.opts.Logger != nil {
		er.opts.Logger.Warn("Failed to get working directory: %v", err)
	}
	return info
}

func (er *ErrorReporter) recoverySuggestions(err *HubError) []RecoverySuggestion {
	var out []RecoverySuggestion
	for _, s := range err.Suggestions {
		out = append(out, RecoverySuggestion{Priority: 1, Category: "immediate", Action: s})
	}

	switch err.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		out = append(out, RecoverySuggestion{
			Priority:    1,
			Category:    "immediate",
			Action:      "Check internet connectivity",
			Description: "Paused downloads keep their data and continue once the network is back",
			Command:     "sourcehub download resume <url>",
		})
		if err.Type == ErrorTypeTimeout || strings.Contains(strings.ToLower(err.Message), "timeout") {
			out = append(out, RecoverySuggestion{
				Priority: 2,
				Category: "configuration",
				Action:   "Increase fetch.timeout or fetch.max_retries",
				Command:  "sourcehub config show",
			})
		}
	case ErrorTypeFileSystem:
		out = append(out, RecoverySuggestion{
			Priority: 1,
			Category: "immediate",
			Action:   "Check permissions and free space of the state and download directories",
			Command:  "sourcehub doctor --check storage",
		})
	case ErrorTypeConfiguration, ErrorTypeValidation:
		out = append(out, RecoverySuggestion{
			Priority: 1,
			Category: "configuration",
			Action:   "Write a fresh configuration file",
			Command:  "sourcehub config init --force",
		})
	case ErrorTypeParsing:
		out = append(out, RecoverySuggestion{
			Priority:    1,
			Category:    "immediate",
			Action:      "Verify the source publishes a valid catalog",
			Description: "The response could not be decoded as a source manifest",
			Command:     "sourcehub source list",
		})
	case ErrorTypeNotFound:
		out = append(out, RecoverySuggestion{
			Priority: 2,
			Category: "immediate",
			Action:   "Refresh the sources so the catalog is current",
			Command:  "sourcehub source refresh",
		})
	}

	return append(out, RecoverySuggestion{
		Priority: 3,
		Category: "environment",
		Action:   "Run system diagnostics",
		Command:  "sourcehub doctor",
	})
}

// DiagnoseError runs the checks that apply to err. A check that does not
// apply to the error type passes without probing anything.
func (er *ErrorReporter) DiagnoseError(ctx context.Context, err *HubError) *DiagnosisResult {
	result := &DiagnosisResult{
		Checks: []DiagnosisCheck{
			er.checkNetwork(ctx, err),
			er.checkStorage(err),
			er.checkConfiguration(err),
			er.checkSourceData(err),
		},
	}

	passed := 0
	for _, c := range result.Checks {
		if c.Passed {
			passed++
		}
		if c.Actionable {
			result.Actionable = true
		}
	}
	result.Confidence = float64(passed) / float64(len(result.Checks))
	return result
}

func (er *ErrorReporter) checkNetwork(ctx context.Context, err *HubError) DiagnosisCheck {
	check := DiagnosisCheck{Name: "Network", Passed: true, Message: "No network issues detected"}
	if err.Type != ErrorTypeNetwork && err.Type != ErrorTypeTimeout {
		return check
	}

	url := err.Context["url"]
	if er.opts.NetworkCheck == nil || url == "" {
		check.Passed = false
		check.Message = "Network issues detected"
		check.Actionable = true
		check.Action = "Check internet connection and firewall settings"
		return check
	}

	if perr := er.opts.NetworkCheck(ctx, url); perr != nil {
		check.Passed = false
		check.Message = fmt.Sprintf("%s is unreachable: %v", url, perr)
		check.Actionable = true
		check.Action = "Check internet connection, proxy and firewall settings"
		return check
	}
	check.Message = fmt.Sprintf("%s is reachable now, the failure looks transient", url)
	check.Actionable = true
	check.Action = "Retry the command"
	return check
}

func (er *ErrorReporter) checkStorage(err *HubError) DiagnosisCheck {
	check := DiagnosisCheck{Name: "Storage", Passed: true, Message: "No file system issues detected"}
	if err.Type != ErrorTypeFileSystem {
		return check
	}

	if er.opts.StorageCheck == nil {
		check.Passed = false
		check.Message = "File system issues detected"
	} else if serr := er.opts.StorageCheck(); serr != nil {
		check.Passed = false
		check.Message = serr.Error()
	} else {
		check.Message = "Directories are writable and have free space"
		return check
	}
	check.Actionable = true
	check.Action = "Check file permissions and disk space"
	return check
}

func (er *ErrorReporter) checkConfiguration(err *HubError) DiagnosisCheck {
	check := DiagnosisCheck{Name: "Configuration", Passed: true, Message: "No configuration issues detected"}
	if err.Type == ErrorTypeConfiguration || err.Type == ErrorTypeValidation {
		check.Passed = false
		check.Message = "Configuration issues detected"
		check.Actionable = true
		check.Action = "Run 'sourcehub config init --force' to regenerate the configuration"
	}
	return check
}

func (er *ErrorReporter) checkSourceData(err *HubError) DiagnosisCheck {
	check := DiagnosisCheck{Name: "Source data", Passed: true, Message: "No data format issues detected"}
	if err.Type == ErrorTypeParsing {
		check.Passed = false
		check.Message = "A response or file could not be decoded"
		check.Actionable = true
		check.Action = "Check that the source URL points at a catalog manifest"
	}
	return check
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
