package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/patternforge/internal/detection"
	"github.com/lvonguyen/patternforge/internal/mitre"
	"github.com/lvonguyen/patternforge/internal/telemetry/correlation"
	"github.com/lvonguyen/patternforge/internal/telemetry/normalization"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// maxLineSize bounds a single replayed event line.
const maxLineSize = 1 << 20

var errValidationFailed = errors.New("pattern validation failed")

func newRootCmd() *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:           "patternctl",
		Short:         "Validate pattern packs and replay events through the PatternForge engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newBuiltinsCmd())
	return root
}

// newValidateCmd creates the 'validate' subcommand
func newValidateCmd() *cobra.Command {
	var withBuiltins bool

	cmd := &cobra.Command{
		Use:   "validate <pattern-file>...",
		Short: "Compile pattern packs and report every invalid pattern",
		Long: `Compile every pattern in the given YAML packs the way the engine would at
startup. Duplicate names across files are reported. Exits non-zero if any
pattern is rejected.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args, withBuiltins)
		},
	}
	cmd.Flags().BoolVar(&withBuiltins, "with-builtins", false, "Also check names against the built-in patterns")
	return cmd
}

func runValidate(w io.Writer, paths []string, withBuiltins bool) error {
	reg := detection.NewRegistry(detection.DefaultMatchTimeout)
	if withBuiltins {
		if err := detection.LoadBuiltins(reg); err != nil {
			return err
		}
	}

	failed := 0
	for _, path := range paths {
		headerColor.Fprintln(w, path)
		defs, err := detection.LoadDefinitionsFile(path)
		if err != nil {
			errorColor.Fprintf(w, "  FAIL  %v\n", err)
			failed++
			continue
		}
		if len(defs) == 0 {
			warningColor.Fprintln(w, "  no patterns")
			continue
		}
		for _, def := range defs {
			p, err := reg.RegisterDefinition(def)
			if err != nil {
				errorColor.Fprintf(w, "  FAIL  %v\n", err)
				failed++
				continue
			}
			successColor.Fprint(w, "  OK    ")
			fmt.Fprintf(w, "%s (%s, %s, %d matchers)\n", p.Name, p.Category, p.Severity, len(p.Matchers))
		}
	}

	if failed > 0 {
		errorColor.Fprintf(w, "%d pattern(s) rejected\n", failed)
		return errValidationFailed
	}
	successColor.Fprintf(w, "%d pattern(s) valid\n", reg.Len())
	return nil
}

// newReplayCmd creates the 'replay' subcommand
func newReplayCmd() *cobra.Command {
	var (
		outputJSON  bool
		patterns    []string
		noBuiltins  bool
		historySize int
	)

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Run a file of events through a fresh engine and print the alerts",
		Long: `Read one event per line and analyze them in order. JSON object lines are
normalized like API records; other lines are treated as raw log messages.
Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := detection.DefaultConfig()
			cfg.LoadBuiltins = !noBuiltins
			cfg.PatternFiles = patterns
			if historySize > 0 {
				cfg.HistoryCapacity = historySize
			}

			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open events: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runReplay(cmd.OutOrStdout(), in, cfg, outputJSON)
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output alerts and stats as JSON")
	cmd.Flags().StringSliceVar(&patterns, "patterns", nil, "Additional pattern pack files")
	cmd.Flags().BoolVar(&noBuiltins, "no-builtins", false, "Do not load the built-in patterns")
	cmd.Flags().IntVar(&historySize, "history", 0, "Rolling history capacity (default 10000)")
	return cmd
}

type replayReport struct {
	Alerts []detection.ThreatAlert  `json:"alerts"`
	Chains []correlation.AlertChain `json:"chains"`
	Stats  detection.DetectionStats `json:"stats"`
	Skip   int                      `json:"skipped_lines"`
}

func runReplay(w io.Writer, in io.Reader, cfg detection.Config, outputJSON bool) error {
	d, err := detection.NewDetector(cfg,
		detection.WithLogger(zap.NewNop()),
		detection.WithTechniqueMapper(mitre.NewAttackFramework(nil)),
	)
	if err != nil {
		return fmt.Errorf("build detector: %w", err)
	}
	normalizer := normalization.NewNormalizer(normalization.NormalizerConfig{}, nil)

	report := replayReport{Alerts: []detection.ThreatAlert{}}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			report.Skip++
			continue
		}
		report.Alerts = append(report.Alerts, d.Analyze(toEvent(normalizer, line))...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	report.Stats = d.Stats()
	report.Chains = correlation.NewCorrelator(correlation.DefaultCorrelatorConfig()).Correlate(report.Alerts)

	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderAlerts(w, report.Alerts)
	renderChains(w, report.Chains)
	renderStats(w, report.Stats)
	return nil
}

func toEvent(n *normalization.Normalizer, line string) detection.SecurityEvent {
	if strings.HasPrefix(line, "{") {
		var rec map[string]any
		dec := json.NewDecoder(bytes.NewReader([]byte(line)))
		dec.UseNumber()
		if err := dec.Decode(&rec); err == nil && len(rec) > 0 {
			return n.FromRecord(rec)
		}
	}
	return n.FromLine(line)
}

func renderAlerts(w io.Writer, alerts []detection.ThreatAlert) {
	if len(alerts) == 0 {
		warningColor.Fprintln(w, "No alerts raised")
		return
	}

	headerColor.Fprintln(w, "ALERTS")
	fmt.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-20s %-9s %-21s %-36s %-15s %s\n",
		"Time", "Severity", "Category", "Pattern", "Source IP", "Conf")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, a := range alerts {
		name := a.PatternName
		if len(name) > 35 {
			name = name[:32] + "..."
		}
		fmt.Fprintf(w, "%-20s ", a.SourceEvent.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		severityColor(a.Severity).Fprintf(w, "%-9s", a.Severity)
		fmt.Fprintf(w, " %-21s %-36s %-15s %.2f\n", a.Category, name, a.SourceEvent.SourceIP, a.Confidence)
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
}

func renderChains(w io.Writer, chains []correlation.AlertChain) {
	if len(chains) == 0 {
		return
	}
	headerColor.Fprintln(w, "CHAINS")
	for _, c := range chains {
		severityColor(c.Severity).Fprintf(w, "  %-9s", c.Severity)
		fmt.Fprintf(w, " risk=%.2f %s\n", c.RiskScore, c.Summary)
	}
}

func renderStats(w io.Writer, s detection.DetectionStats) {
	headerColor.Fprintln(w, "STATS")
	fmt.Fprintf(w, "  %-18s %d\n", "Events:", s.TotalEvents)
	fmt.Fprintf(w, "  %-18s %d\n", "Threats:", s.ThreatsDetected)
	fmt.Fprintf(w, "  %-18s %d\n", "Patterns:", s.TotalPatterns)
	fmt.Fprintf(w, "  %-18s %d\n", "Pattern errors:", s.PatternErrors)
	fmt.Fprintf(w, "  %-18s %d / %d\n", "History:", s.HistorySize, s.HistoryCapacity)
	fmt.Fprintf(w, "  %-18s %d\n", "Tracked IPs:", s.TrackedIPs)
	fmt.Fprintf(w, "  %-18s %d\n", "Tracked users:", s.TrackedUsers)
}

func severityColor(s detection.Severity) *color.Color {
	switch s {
	case detection.SeverityCritical:
		return errorColor
	case detection.SeverityHigh:
		return color.New(color.FgRed)
	case detection.SeverityMedium:
		return warningColor
	default:
		return color.New(color.FgCyan)
	}
}

// newBuiltinsCmd creates the 'builtins' subcommand
func newBuiltinsCmd() *cobra.Command {
	var outputYAML bool

	cmd := &cobra.Command{
		Use:   "builtins",
		Short: "List the built-in patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := detection.BuiltinDefinitions()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if outputYAML {
				return writeYAMLPack(w, defs)
			}
			headerColor.Fprintln(w, "BUILT-IN PATTERNS")
			for _, def := range defs {
				fmt.Fprintf(w, "  %-45s %-21s ", def.Name, def.Category)
				severityColor(def.Severity).Fprintf(w, "%-9s", def.Severity)
				fmt.Fprintf(w, " window=%ds threshold=%d\n", def.WindowSeconds, def.Threshold)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputYAML, "yaml", false, "Print the built-ins as a pattern pack")
	return cmd
}

func writeYAMLPack(w io.Writer, defs []detection.PatternDefinition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"patterns": defs}); err != nil {
		return fmt.Errorf("encode pattern pack: %w", err)
	}
	return enc.Close()
}
