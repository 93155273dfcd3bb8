// Package ingest runs the SIE file import: decode, parse, aggregate per
// month and persist, with optional archiving of the raw upload.
package ingest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkarlsson/budgetsync/internal/aggregate"
	"github.com/mkarlsson/budgetsync/internal/sie"
	"github.com/mkarlsson/budgetsync/internal/storage"
)

// Step is a single stage of the import pipeline.
type Step interface {
	Execute(ctx context.Context, state *State) error
}

// State holds the shared state across pipeline steps.
type State struct {
	Company string
	Raw     []byte

	Decoded      []byte
	Parsed       *sie.Result
	Accumulators map[aggregate.MonthKey]*aggregate.Accumulator

	ArchiveURI string
	Result     Result
}

// Result is what an import reports back to the caller.
type Result struct {
	MonthsImported     int    `json:"months_imported"`
	TransactionsParsed int    `json:"transactions_parsed"`
	LinesSkipped       int    `json:"lines_skipped"`
	ArchiveURI         string `json:"archive_uri,omitempty"`
}

// Archiver stores the raw upload for replay. Satisfied by
// siearchive.Archiver.
type Archiver interface {
	Enabled() bool
	Archive(ctx context.Context, company string, raw []byte) (string, error)
}

// DecodeStep converts the upload to UTF-8. SIE files are PC8 encoded unless
// already valid UTF-8.
type DecodeStep struct{}

func (s *DecodeStep) Execute(_ context.Context, state *State) error {
	decoded, err := sie.Decode(state.Raw)
	if err != nil {
		return fmt.Errorf("decoding SIE file: %w", err)
	}
	state.Decoded = decoded
	return nil
}

// ParseStep extracts ledger transactions from the decoded text.
type ParseStep struct{}

func (s *ParseStep) Execute(_ context.Context, state *State) error {
	parsed, err := sie.Parse(bytes.NewReader(state.Decoded))
	if err != nil {
		return fmt.Errorf("parsing SIE file: %w", err)
	}
	state.Parsed = parsed
	state.Result.TransactionsParsed = len(parsed.Transactions)
	state.Result.LinesSkipped = parsed.LinesSkipped
	return nil
}

// AggregateStep folds transactions into per-month accumulators.
type AggregateStep struct{}

func (s *AggregateStep) Execute(_ context.Context, state *State) error {
	state.Accumulators = aggregate.ByMonth(state.Company, state.Parsed.Transactions)
	return nil
}

// PersistStep writes one summary per non-zero month, evicting stale all-zero
// rows first so they never shadow fresh data.
type PersistStep struct {
	Summaries storage.SummaryRepository
}

func (s *PersistStep) Execute(ctx context.Context, state *State) error {
	for key, acc := range state.Accumulators {
		summary := acc.Summary()
		if summary.IsZero() {
			continue
		}
		if err := s.Summaries.DeleteZeroSummary(ctx, state.Company, key.Year, key.Month); err != nil {
			return fmt.Errorf("evicting zero summary %d-%02d: %w", key.Year, key.Month, err)
		}
		if err := s.Summaries.UpsertSummary(ctx, summary); err != nil {
			return fmt.Errorf("persisting summary %d-%02d: %w", key.Year, key.Month, err)
		}
		state.Result.MonthsImported++
	}
	return nil
}

// ArchiveStep stores the raw upload in GCS. Archiving failures are logged,
// not fatal; the summaries are already persisted.
type ArchiveStep struct {
	Archiver Archiver
	Log      zerolog.Logger
}

func (s *ArchiveStep) Execute(ctx context.Context, state *State) error {
	if s.Archiver == nil || !s.Archiver.Enabled() {
		return nil
	}
	uri, err := s.Archiver.Archive(ctx, state.Company, state.Raw)
	if err != nil {
		s.Log.Warn().Err(err).Str("company", state.Company).Msg("Failed to archive SIE upload")
		return nil
	}
	state.ArchiveURI = uri
	state.Result.ArchiveURI = uri
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []Step
}

// NewPipeline creates a pipeline from the given steps.
func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially, stopping at the first error.
func (p *Pipeline) Execute(ctx context.Context, state *State) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d: %w", i+1, err)
		}
	}
	return nil
}

// Importer assembles the standard SIE import pipeline.
type Importer struct {
	summaries storage.SummaryRepository
	archiver  Archiver
	log       zerolog.Logger
}

// NewImporter creates an importer. archiver may be nil.
func NewImporter(summaries storage.SummaryRepository, archiver Archiver, log zerolog.Logger) *Importer {
	return &Importer{summaries: summaries, archiver: archiver, log: log}
}

// Import runs the full pipeline over one uploaded SIE file. An upload with
// no parsable vouchers is a soft success with zero months.
func (imp *Importer) Import(ctx context.Context, company string, raw []byte) (*Result, error) {
	if company == "" {
		return nil, fmt.Errorf("Import: company is required")
	}

	state := &State{Company: company, Raw: raw}
	pipeline := NewPipeline(
		&DecodeStep{},
		&ParseStep{},
		&AggregateStep{},
		&PersistStep{Summaries: imp.summaries},
		&ArchiveStep{Archiver: imp.archiver, Log: imp.log},
	)

	if err := pipeline.Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("Import %s: %w", company, err)
	}

	imp.log.Info().
		Str("company", company).
		Int("months_imported", state.Result.MonthsImported).
		Int("transactions", state.Result.TransactionsParsed).
		Int("lines_skipped", state.Result.LinesSkipped).
		Msg("SIE import finished")

	return &state.Result, nil
}
