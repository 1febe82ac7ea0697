// Package drone implements the Drone Validator: weighted multi-dimensional
// scoring of a cell's output, plus N-way cross-validation for consensus,
// per spec.md 4.5, grounded on drone_validator.py, generalized from the
// original's pnpm/TypeScript toolchain to this module's own Go tooling.
package drone

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/trellis-hive/queenhive/internal/models"
)

// ConsensusThreshold is the minimum weighted score percentage considered
// passing for a single validation.
const ConsensusThreshold = 90

// MaxFileSize bounds which files the complexity/security scans will open.
const MaxFileSize = 1 << 20 // 1 MiB

// MaxScannedFiles caps how many source files a single scan inspects.
const MaxScannedFiles = 50

// DimensionWeights mirrors drone_validator.py's DIMENSION_WEIGHTS.
var DimensionWeights = map[models.ValidationDimension]float64{
	models.DimensionTechnical: 0.40,
	models.DimensionStrategic: 0.35,
	models.DimensionSecurity:  0.25,
}

// SeverityPenalties mirrors drone_validator.py's SCORE_PENALTIES.
var SeverityPenalties = map[string]int{
	"critical": 30,
	"high":     20,
	"medium":   10,
	"low":      5,
}

// safeCommands whitelists the exact argv this validator may execute,
// generalized from the original's pnpm/npm scripts to this module's own Go
// tooling (go vet, go test, go build) since the validated artifact is now a
// Go project, not a TypeScript one.
var safeCommands = map[string][]string{
	"lint":      {"go", "vet", "./..."},
	"typecheck": {"go", "build", "./..."},
	"test":      {"go", "test", "./..."},
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)secret\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)token\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)private[_-]?key`),
}

// Validator runs per-dimension checks against one cell's worktree.
type Validator struct {
	worktreePath string
	rng          *rand.Rand
}

// New constructs a Validator seeded deterministically, mirroring
// drone_validator.py's random.Random(seed) reproducibility contract.
func New(worktreePath string, seed int64) *Validator {
	return &Validator{worktreePath: worktreePath, rng: rand.New(rand.NewSource(seed))}
}

// ValidateCell runs each requested dimension and computes the weighted
// consensus score, writing an atomic per-drone report file.
func (v *Validator) ValidateCell(ctx context.Context, cellID, droneID string, dimensions []models.ValidationDimension, reportDir string) (models.ValidationReport, error) {
	report := models.ValidationReport{
		CellID:     cellID,
		DroneID:    droneID,
		Timestamp:  time.Now().UTC(),
		Dimensions: make(map[string]models.DimensionResult, len(dimensions)),
		Threshold:  ConsensusThreshold,
	}

	var totalWeight, weightedScore float64
	for _, dim := range dimensions {
		var result models.DimensionResult
		switch dim {
		case models.DimensionTechnical:
			result = v.validateTechnical(ctx)
		case models.DimensionStrategic:
			result = v.validateStrategic()
		case models.DimensionSecurity:
			result = v.validateSecurity(ctx)
		default:
			continue
		}
		report.Dimensions[string(dim)] = result
		weight := DimensionWeights[dim]
		totalWeight += weight
		weightedScore += weight * float64(result.Score)
	}

	if totalWeight > 0 {
		report.ConsensusScore = int(weightedScore / totalWeight)
	}
	report.ConsensusReached = report.ConsensusScore >= ConsensusThreshold && !hasCritical(report)

	if err := v.saveReport(report, reportDir); err != nil {
		return report, err
	}
	return report, nil
}

func hasCritical(report models.ValidationReport) bool {
	for _, dim := range report.Dimensions {
		for _, issue := range dim.Issues {
			if issue.Severity == "critical" {
				return true
			}
		}
	}
	return false
}

func (v *Validator) saveReport(report models.ValidationReport, reportDir string) error {
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return fmt.Errorf("drone: mkdir report dir: %w", err)
	}
	name := fmt.Sprintf("drone-audit-%s", report.CellID)
	if report.DroneID != "" {
		name += "-" + report.DroneID
	}
	path := filepath.Join(reportDir, name+".json")

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("drone: marshal report: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("drone: write temp report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("drone: rename report: %w", err)
	}
	return nil
}

// validateTechnical runs lint/typecheck/test via the whitelist and scores
// 100 * (passed/3), penalizing per discovered issue.
func (v *Validator) validateTechnical(ctx context.Context) models.DimensionResult {
	result := models.DimensionResult{Dimension: string(models.DimensionTechnical), Details: map[string]any{}}
	passed := 0
	total := 0
	for _, name := range []string{"lint", "typecheck", "test"} {
		total++
		ok, output := v.runSafeCommand(ctx, name)
		result.Details[name] = output
		if ok {
			passed++
		} else {
			result.Issues = append(result.Issues, models.Issue{
				Type:     name,
				Severity: "high",
				Message:  fmt.Sprintf("%s failed", name),
			})
		}
	}
	score := 100 * passed / total
	result.Score = v.applyPenalties(score, result.Issues)
	result.Passed = result.Score >= 80 && !hasSeverity(result.Issues, "critical")
	return result
}

func (v *Validator) runSafeCommand(ctx context.Context, name string) (bool, string) {
	argv, ok := safeCommands[name]
	if !ok {
		return false, "unknown command"
	}
	runCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = v.worktreePath
	out, err := cmd.CombinedOutput()
	return err == nil, string(out)
}

// validateStrategic scans source complexity only; it does not check whether
// the cell's declared outputs exist.
func (v *Validator) validateStrategic() models.DimensionResult {
	result := models.DimensionResult{Dimension: string(models.DimensionStrategic), Score: 100, Details: map[string]any{}}
	complexityIssues, filesScanned := v.checkCodeComplexity()
	result.Issues = append(result.Issues, complexityIssues...)
	result.Details["files_scanned"] = filesScanned
	result.Score = v.applyPenalties(result.Score, result.Issues)
	result.Passed = result.Score >= 80 && !hasSeverity(result.Issues, "critical")
	return result
}

// checkCodeComplexity scans *.go files under the worktree (excluding any
// vendor tree), skipping oversized files and deducting for files over the
// line-count threshold, capped at MaxScannedFiles files.
func (v *Validator) checkCodeComplexity() ([]models.Issue, int) {
	var issues []models.Issue
	scanned := 0

	_ = filepath.WalkDir(v.worktreePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || scanned >= MaxScannedFiles {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "vendor" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > MaxFileSize {
			return nil
		}
		scanned++

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		lines := strings.Count(string(data), "\n")
		if lines > 300 {
			issues = append(issues, models.Issue{
				Type:     "complexity",
				Severity: "medium",
				Message:  fmt.Sprintf("file exceeds 300 lines (%d)", lines),
				File:     path,
			})
		}
		return nil
	})
	return issues, scanned
}

// validateSecurity scans source for hardcoded-secret patterns and runs the
// module's dependency audit (go vet ./... stands in for pnpm audit's
// surface here since there is no third-party vulnerability database wired
// for Go modules in this offline path).
func (v *Validator) validateSecurity(ctx context.Context) models.DimensionResult {
	result := models.DimensionResult{Dimension: string(models.DimensionSecurity), Score: 100, Details: map[string]any{}}

	scanned := 0
	_ = filepath.WalkDir(v.worktreePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || scanned >= MaxScannedFiles {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "vendor" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > MaxFileSize {
			return nil
		}
		scanned++

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		content := string(data)
		for _, pattern := range secretPatterns {
			if pattern.MatchString(content) {
				result.Issues = append(result.Issues, models.Issue{
					Type:     "secret",
					Severity: "critical",
					Message:  "possible hardcoded secret",
					File:     path,
				})
			}
		}
		return nil
	})
	result.Details["files_scanned"] = scanned

	if ok, output := v.runSafeCommand(ctx, "lint"); !ok && strings.Contains(strings.ToLower(output), "vulnerab") {
		result.Issues = append(result.Issues, models.Issue{
			Type:     "dependency",
			Severity: "high",
			Message:  "vulnerabilities reported by static analysis",
		})
	}

	result.Score = v.applyPenalties(result.Score, result.Issues)
	result.Passed = result.Score >= 80 && !hasSeverity(result.Issues, "critical")
	return result
}

func (v *Validator) applyPenalties(score int, issues []models.Issue) int {
	for _, issue := range issues {
		score -= SeverityPenalties[issue.Severity]
	}
	if score < 0 {
		score = 0
	}
	return score
}

func hasSeverity(issues []models.Issue, severity string) bool {
	for _, issue := range issues {
		if issue.Severity == severity {
			return true
		}
	}
	return false
}

// CrossValidationResult is the outcome of running N independent drones
// against the same cell and comparing their scores.
type CrossValidationResult struct {
	CellID          string                    `json:"cell_id"`
	Reports         []models.ValidationReport `json:"reports"`
	AverageScore    float64                   `json:"avg_score"`
	ScoreVariance   float64                   `json:"score_variance"`
	ConsensusReached bool                     `json:"consensus_reached"`
}

// CrossValidate spawns numDrones independent Validators, each with its own
// seed, and evaluates consensus on the resulting score distribution:
// avg_score >= 90, population variance < 100, and either every drone passed
// or the average score reached 95.
func CrossValidate(ctx context.Context, worktreePath, cellID string, numDrones int, dimensions []models.ValidationDimension, reportDir string, seed int64) (CrossValidationResult, error) {
	rng := rand.New(rand.NewSource(seed))
	reports := make([]models.ValidationReport, 0, numDrones)

	for i := 0; i < numDrones; i++ {
		droneSeed := rng.Int63n(999999) + 1
		droneID := fmt.Sprintf("drone-%d", i+1)
		v := New(worktreePath, droneSeed)
		report, err := v.ValidateCell(ctx, cellID, droneID, dimensions, reportDir)
		if err != nil {
			return CrossValidationResult{}, err
		}
		reports = append(reports, report)
	}

	var sum float64
	for _, r := range reports {
		sum += float64(r.ConsensusScore)
	}
	avg := sum / float64(len(reports))

	var variance float64
	for _, r := range reports {
		d := float64(r.ConsensusScore) - avg
		variance += d * d
	}
	variance /= float64(len(reports))

	allPass := true
	for _, r := range reports {
		if !r.ConsensusReached {
			allPass = false
			break
		}
	}

	consensus := avg >= 90 && variance < 100 && (allPass || avg >= 95)

	return CrossValidationResult{
		CellID:           cellID,
		Reports:          reports,
		AverageScore:     math.Round(avg*100) / 100,
		ScoreVariance:    math.Round(variance*100) / 100,
		ConsensusReached: consensus,
	}, nil
}
