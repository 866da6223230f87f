// Package seed loads a YAML file of curated patterns, corrections and
// full-text corpus documents into the store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"querybot/internal/correct"
	"querybot/internal/domain"
	"querybot/internal/validate"
)

type File struct {
	Patterns    []PatternEntry    `yaml:"patterns"`
	Corrections []CorrectionEntry `yaml:"corrections"`
	Corpus      []DocumentEntry   `yaml:"corpus"`
}

type PatternEntry struct {
	Department string  `yaml:"department"`
	Text       string  `yaml:"text"`
	Expanded   string  `yaml:"expanded"`
	QueryType  string  `yaml:"query_type"`
	Priority   float64 `yaml:"priority"`
}

type CorrectionEntry struct {
	Department string  `yaml:"department"`
	Original   string  `yaml:"original"`
	Corrected  string  `yaml:"corrected"`
	Confidence float64 `yaml:"confidence"`
}

type DocumentEntry struct {
	ID         string `yaml:"id"`
	Department string `yaml:"department"`
	Title      string `yaml:"title"`
	Body       string `yaml:"body"`
}

// Store is what the importer writes to. Inserts skip rows whose natural key
// already exists.
type Store interface {
	InsertPatterns(ctx context.Context, patterns []domain.Pattern) (int, error)
	InsertCorrections(ctx context.Context, corrections []domain.Correction) (int, error)
	UpsertDocuments(ctx context.Context, docs []domain.CorpusDocument) (int, error)
}

type Result struct {
	Patterns    int
	Corrections int
	Documents   int
	Skipped     int
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	return &f, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// stableID derives a row ID from its natural key so re-importing the same
// file yields the same IDs.
func stableID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "\x00"))).String()
}

// Import validates every entry against departments and writes the valid ones.
// Invalid entries are logged and counted as skipped.
func Import(ctx context.Context, store Store, f *File, departments []string, logger *zap.Logger) (Result, error) {
	var res Result
	now := time.Now().UTC()

	var patterns []domain.Pattern
	for _, e := range f.Patterns {
		dept := strings.ToUpper(strings.TrimSpace(e.Department))
		text := normalize(e.Text)
		syntax := validate.CheckSyntax(text)
		qt := domain.QueryType(strings.TrimSpace(e.QueryType))
		priority := e.Priority
		if priority == 0 {
			priority = 0.5
		}
		var reason string
		switch {
		case !domain.ValidDepartment(dept, departments):
			reason = "unknown department"
		case !syntax.Valid:
			reason = syntax.Message
		case !qt.Valid():
			reason = "invalid query type"
		case strings.TrimSpace(e.Expanded) == "":
			reason = "empty expansion"
		case !domain.ValidScore(priority):
			reason = "priority out of range"
		}
		if reason != "" {
			res.Skipped++
			logger.Warn("seed pattern skipped", zap.String("department", e.Department), zap.String("text", e.Text), zap.String("reason", reason))
			continue
		}
		patterns = append(patterns, domain.Pattern{
			ID:            stableID("pattern", dept, text),
			Department:    dept,
			Text:          text,
			ExpandedQuery: strings.TrimSpace(e.Expanded),
			QueryType:     qt,
			PriorityScore: priority,
			CreatedAt:     now,
		})
	}

	var corrections []domain.Correction
	for _, e := range f.Corrections {
		dept := strings.ToUpper(strings.TrimSpace(e.Department))
		orig, fixed := normalize(e.Original), normalize(e.Corrected)
		conf := e.Confidence
		if conf == 0 {
			conf = 0.5
		}
		var reason string
		switch {
		case !domain.ValidDepartment(dept, departments):
			reason = "unknown department"
		case orig == "" || fixed == "" || orig == fixed:
			reason = "empty or identical texts"
		case !domain.ValidScore(conf):
			reason = "confidence out of range"
		}
		if reason != "" {
			res.Skipped++
			logger.Warn("seed correction skipped", zap.String("department", e.Department), zap.String("original", e.Original), zap.String("reason", reason))
			continue
		}
		corrections = append(corrections, domain.Correction{
			ID:            stableID("correction", dept, orig, fixed),
			Department:    dept,
			OriginalText:  orig,
			CorrectedText: fixed,
			Distance:      correct.OSA(orig, fixed),
			Confidence:    conf,
			CreatedAt:     now,
		})
	}

	var docs []domain.CorpusDocument
	for _, e := range f.Corpus {
		dept := strings.ToUpper(strings.TrimSpace(e.Department))
		if !domain.ValidDepartment(dept, departments) || strings.TrimSpace(e.Title) == "" {
			res.Skipped++
			logger.Warn("seed document skipped", zap.String("department", e.Department), zap.String("id", e.ID))
			continue
		}
		id := strings.TrimSpace(e.ID)
		if id == "" {
			id = stableID("document", dept, e.Title)
		}
		docs = append(docs, domain.CorpusDocument{ID: id, Department: dept, Title: strings.TrimSpace(e.Title), Body: e.Body})
	}

	var errs []error
	if len(patterns) > 0 {
		n, err := store.InsertPatterns(ctx, patterns)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert patterns: %w", err))
		}
		res.Patterns = n
	}
	if len(corrections) > 0 {
		n, err := store.InsertCorrections(ctx, corrections)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert corrections: %w", err))
		}
		res.Corrections = n
	}
	if len(docs) > 0 {
		n, err := store.UpsertDocuments(ctx, docs)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert corpus: %w", err))
		}
		res.Documents = n
	}
	logger.Info("seed import finished",
		zap.Int("patterns", res.Patterns),
		zap.Int("corrections", res.Corrections),
		zap.Int("documents", res.Documents),
		zap.Int("skipped", res.Skipped))
	return res, errors.Join(errs...)
}
