// Package insert implements the two-pass insert stage of spec.md §4.I:
// attempt the write, react to missing-column failures by evolving the
// schema and resetting the channel, retry once, and classify every
// remaining failure as either a dead-lettered data error or a fatal
// environment error.
package insert

import (
	"context"
	"fmt"
	"log/slog"

	"loader/internal/channel"
	"loader/internal/errors"
	"loader/internal/loader"
	"loader/internal/retry"
)

// dataIssueCodes is the vendor-code whitelist of spec.md §4.I: the only
// codes classified as per-row data errors rather than fatal environment
// errors.
var dataIssueCodes = map[int]struct{}{
	codeInvalidValueRow:    {},
	codeInvalidFormatRow:   {},
	codeMaxRowSizeExceeded: {},
	codeUnknownDataType:    {},
	codeNullValue:          {},
	codeNullOrEmptyString:  {},
}

const (
	codeInvalidValueRow    = 100
	codeInvalidFormatRow   = 101
	codeMaxRowSizeExceeded = 102
	codeUnknownDataType    = 103
	codeNullValue          = 104
	codeNullOrEmptyString  = 105
)

// Provider is the channel-lifecycle subset Stage depends on. *channel.Provider
// satisfies it; tests substitute a fake so Stage can be exercised without a
// live warehouse connection.
type Provider interface {
	Opened(ctx context.Context, fn func(channel.Channel) error) error
	Reset(ctx context.Context) error
}

// TableManager is the DDL subset Stage depends on. *table.Manager satisfies
// it.
type TableManager interface {
	AddColumns(ctx context.Context, names []string) error
}

// Stage runs the two-pass insert over a BatchAfterTransform.
type Stage struct {
	provider  Provider
	table     TableManager
	processor loader.Processor
	logger    *slog.Logger
	transient *retry.Policy
}

// New builds an insert Stage. transient bounds how many times a single
// write attempt is retried in-process before the batch is surfaced as a
// CodeTransientWarehouse error, per spec.md §4.A's bounded, non-alerting
// policy for errors expected to resolve on their own (a dropped connection,
// a momentary server timeout) rather than crashing the whole pipeline on
// the first blip.
func New(provider Provider, tableManager TableManager, processor loader.Processor, logger *slog.Logger, transient *retry.Policy) *Stage {
	return &Stage{provider: provider, table: tableManager, processor: processor, logger: logger, transient: transient}
}

// passOutcome is what a single write attempt produced, folded from the
// channel's InsertFailure list.
type passOutcome struct {
	accepted  []loader.IndexedEvent // rows the warehouse accepted
	retry     []loader.IndexedEvent // rows that need the column union added
	extraCols map[string]struct{}   // union of columns reported missing
}

// Run executes pass 1, the schema-evolution reaction if needed, and pass
// 2, returning the batch in its terminal state: ToBeInserted empty,
// BadAccumulated holding every data-error row, or a fatal error that the
// caller must treat as "do not ack".
func (s *Stage) Run(ctx context.Context, batch loader.BatchAfterTransform) (loader.BatchAfterTransform, error) {
	outcome, err := s.pass(ctx, &batch, false)
	if err != nil {
		return batch, err
	}
	if outcome == nil {
		return batch, nil
	}

	if len(outcome.extraCols) > 0 {
		union := make([]string, 0, len(outcome.extraCols))
		for col := range outcome.extraCols {
			union = append(union, col)
		}

		if err := s.table.AddColumns(ctx, union); err != nil {
			return batch, fmt.Errorf("insert: add columns %v: %w", union, err)
		}
		if err := s.provider.Reset(ctx); err != nil {
			return batch, fmt.Errorf("insert: reset channel after schema evolution: %w", err)
		}

		batch.ToBeInserted = outcome.retry

		secondOutcome, err := s.pass(ctx, &batch, true)
		if err != nil {
			return batch, err
		}
		if secondOutcome != nil {
			batch.ToBeInserted = nil
		}
	} else {
		batch.ToBeInserted = nil
	}

	return batch, nil
}

// pass runs one write attempt and folds its InsertFailures. isRetry
// disarms the extra-column branch: per spec.md §4.I, an extra-column
// report at pass 2 should not occur, and is treated as a data error
// instead of triggering another schema-evolution round.
func (s *Stage) pass(ctx context.Context, batch *loader.BatchAfterTransform, isRetry bool) (*passOutcome, error) {
	if len(batch.ToBeInserted) == 0 {
		return nil, nil
	}

	rows := make([]map[string]any, len(batch.ToBeInserted))
	for i, e := range batch.ToBeInserted {
		rows[i] = e.Columns
	}

	var result channel.WriteResult
	err := s.transient.Run(ctx, "insert.write", func(ctx context.Context) error {
		return s.provider.Opened(ctx, func(ch channel.Channel) error {
			r, err := ch.Write(ctx, rows)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, errors.New(errors.CodeTransientWarehouse, err)
	}

	byIndex := make(map[int]loader.IndexedEvent, len(batch.ToBeInserted))
	for _, e := range batch.ToBeInserted {
		byIndex[e.Index] = e
	}

	outcome := &passOutcome{extraCols: map[string]struct{}{}}
	failed := make(map[int]struct{}, len(result.Failures))

	for _, failure := range result.Failures {
		failed[failure.Index] = struct{}{}
		row, ok := byIndex[failure.Index]
		if !ok {
			return nil, fmt.Errorf("insert: failure index %d not found in submitted batch", failure.Index)
		}

		if !isRetry && len(failure.ExtraCols) > 0 {
			for col := range failure.ExtraCols {
				outcome.extraCols[col] = struct{}{}
			}
			outcome.retry = append(outcome.retry, row)
			continue
		}

		// An extra-column report on the retry pass should not happen
		// (pass 1 already evolved the schema for every column the
		// warehouse had complained about); per spec.md §9's resolution
		// of this open question, treat it as a data error rather than
		// fatal so one stray report doesn't crash the pipeline.
		if isRetry && len(failure.ExtraCols) > 0 {
			batch.BadAccumulated = append(batch.BadAccumulated, loader.BadRow{
				Kind:      loader.LoaderRuntimeError,
				Processor: s.processor,
				Cause:     fmt.Sprintf("unexpected missing columns on retry: %v", failure.ExtraCols),
				Payload:   []byte(row.Event.EventID),
			})
			continue
		}

		if isFatalCode(failure.Cause.Code) {
			return nil, errors.New(errors.CodeFatalInsert,
				fmt.Errorf("vendor code %d rejected event at index %d: %s",
					failure.Cause.Code, failure.Index, failure.Cause.Message))
		}

		batch.BadAccumulated = append(batch.BadAccumulated, loader.BadRow{
			Kind:      loader.LoaderRuntimeError,
			Processor: s.processor,
			Cause:     failure.Cause.Message,
			Payload:   []byte(row.Event.EventID),
		})
	}

	for _, e := range batch.ToBeInserted {
		if _, didFail := failed[e.Index]; !didFail {
			outcome.accepted = append(outcome.accepted, e)
		}
	}

	return outcome, nil
}

func isFatalCode(code int) bool {
	_, dataIssue := dataIssueCodes[code]
	return !dataIssue
}
