package dataset

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"nlp-backend/internal/database"
	"nlp-backend/internal/exact"
	"nlp-backend/internal/storage"

	"gorm.io/gorm"
)

const (
	DefaultMaxDepth          = 8
	DefaultTargetPruningSize = 500000

	insertBatchSize = 1000
)

// Config holds the tunables of a dataset update. Job-level config overrides
// the defaults key by key; absent keys keep their default.
type Config struct {
	MaxDepth          int `json:"max_depth"`
	TargetPruningSize int `json:"target_pruning_size"`
}

func DefaultConfig() Config {
	return Config{
		MaxDepth:          DefaultMaxDepth,
		TargetPruningSize: DefaultTargetPruningSize,
	}
}

// Updater regenerates the synthetic portion of a language's dataset and
// rebuilds its exact-match index. The invalidation and generation phases
// run inside a single transaction; the index rebuild reads committed state
// afterwards.
type Updater struct {
	db        *gorm.DB
	generator Generator
	checker   TypeChecker
	store     storage.ObjectStore
	bucket    string

	language string
	scope    *ScopePattern
	cfg      Config

	// progress receives a fraction in [0, 1]; errors there never fail the
	// update
	progress func(value float64)
}

func NewUpdater(db *gorm.DB, generator Generator, checker TypeChecker, store storage.ObjectStore, bucket, language string, scope *ScopePattern, cfg Config, progress func(value float64)) *Updater {
	if progress == nil {
		progress = func(float64) {}
	}
	return &Updater{
		db:        db,
		generator: generator,
		checker:   checker,
		store:     store,
		bucket:    bucket,
		language:  language,
		scope:     scope,
		cfg:       cfg,
		progress:  progress,
	}
}

func (u *Updater) Run(ctx context.Context) error {
	err := u.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := u.clearGenerated(ctx, txn); err != nil {
			return err
		}
		u.progress(0.1)

		if err := u.typecheckExisting(ctx, txn); err != nil {
			return err
		}
		u.progress(0.3)

		return u.generate(ctx, txn)
	})
	if err != nil {
		return err
	}
	u.progress(0.9)

	if err := u.rebuildExactIndex(ctx); err != nil {
		return err
	}
	u.progress(1.0)
	return nil
}

// clearGenerated removes previously generated rows for the language. With a
// device scope only rows mentioning those devices are removed, so partial
// retraining keeps the rest of the corpus.
func (u *Updater) clearGenerated(ctx context.Context, txn *gorm.DB) error {
	if u.scope == nil {
		if err := txn.Where("language = ? AND type = ?", u.language, database.ExampleGenerated).Delete(&database.Example{}).Error; err != nil {
			return fmt.Errorf("error clearing generated examples: %w", err)
		}
		slog.Info("dataset cleaned", "language", u.language)
		return nil
	}

	rows, err := txn.Model(&database.Example{}).
		Select("id", "target_code").
		Where("language = ? AND type = ?", u.language, database.ExampleGenerated).
		Rows()
	if err != nil {
		return fmt.Errorf("error clearing generated examples: %w", err)
	}
	defer rows.Close()

	var toDelete []int64
	for rows.Next() {
		var id int64
		var targetCode string
		if err := rows.Scan(&id, &targetCode); err != nil {
			return fmt.Errorf("error clearing generated examples: %w", err)
		}
		if u.scope.Matches(targetCode) {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error clearing generated examples: %w", err)
	}

	for begin := 0; begin < len(toDelete); begin += insertBatchSize {
		end := min(begin+insertBatchSize, len(toDelete))
		if err := txn.Where("id IN ?", toDelete[begin:end]).Delete(&database.Example{}).Error; err != nil {
			return fmt.Errorf("error clearing generated examples: %w", err)
		}
	}

	slog.Info("dataset cleaned", "language", u.language, "removed", len(toDelete))
	return nil
}

// typecheckExisting re-validates accepted, human-sourced examples against
// the current catalog and marks failures obsolete. Obsolete rows are kept,
// never deleted, so past evaluation data stays auditable.
func (u *Updater) typecheckExisting(ctx context.Context, txn *gorm.DB) error {
	query := txn.Model(&database.Example{}).
		Select("id", "type", "target_code").
		Where("language = ? AND type <> ? AND training = ? AND obsolete = ?",
			u.language, database.ExampleGenerated, true, false)

	rows, err := query.Rows()
	if err != nil {
		return fmt.Errorf("error loading examples for typecheck: %w", err)
	}
	defer rows.Close()

	var toUpdate []int64
	checked := 0
	for rows.Next() {
		var id int64
		var exampleType, targetCode string
		if err := rows.Scan(&id, &exampleType, &targetCode); err != nil {
			return fmt.Errorf("error loading examples for typecheck: %w", err)
		}

		if u.scope != nil && !u.scope.Matches(targetCode) {
			continue
		}

		// community-sourced commands are checked against the approved view
		approvedOnly := exampleType == database.ExampleCommand
		if err := u.checker.Check(ctx, u.language, targetCode, approvedOnly); err != nil {
			toUpdate = append(toUpdate, id)
		}
		checked++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error loading examples for typecheck: %w", err)
	}

	for begin := 0; begin < len(toUpdate); begin += insertBatchSize {
		end := min(begin+insertBatchSize, len(toUpdate))
		if err := txn.Model(&database.Example{}).Where("id IN ?", toUpdate[begin:end]).Update("obsolete", true).Error; err != nil {
			return fmt.Errorf("error marking examples obsolete: %w", err)
		}
	}

	slog.Info("typecheck sweep finished", "language", u.language, "checked", checked, "obsolete", len(toUpdate))
	return nil
}

// generate streams new synthetic sentences into the dataset in batches.
// Generated rows seed the exact-match index but are not counted as accepted
// training data until the next training set is prepared.
func (u *Updater) generate(ctx context.Context, txn *gorm.DB) error {
	opts := GenerateOptions{
		Language:          u.language,
		MaxDepth:          u.cfg.MaxDepth,
		TargetPruningSize: u.cfg.TargetPruningSize,
	}

	var batch []database.Example
	inserted := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := txn.Create(batch).Error; err != nil {
			return fmt.Errorf("error inserting generated examples: %w", err)
		}
		inserted += len(batch)
		batch = batch[:0]

		generationProgress := float64(inserted) / float64(u.cfg.TargetPruningSize)
		u.progress(0.3 + 0.6*min(generationProgress, 1.0))
		return nil
	}

	err := u.generator.Generate(ctx, opts, func(ex GeneratedExample) error {
		if u.scope != nil && !u.scope.Matches(ex.TargetCode) {
			return nil
		}

		batch = append(batch, database.Example{
			Language:     u.language,
			Utterance:    ex.Preprocessed,
			Preprocessed: ex.Preprocessed,
			TargetCode:   ex.TargetCode,
			Type:         database.ExampleGenerated,
			Exact:        true,
			CreationTime: time.Now(),
		})
		if len(batch) >= insertBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	slog.Info("generated synthetic sentences", "language", u.language, "count", inserted)
	return nil
}

// rebuildExactIndex recompiles the language's exact-match file from every
// example flagged exact and publishes it for the serving replicas.
func (u *Updater) rebuildExactIndex(ctx context.Context) error {
	examples, err := database.GetExactExamples(ctx, u.db, u.language)
	if err != nil {
		return err
	}

	matcher := exact.NewMatcher()
	for _, ex := range examples {
		matcher.Add(ex.Preprocessed, ex.TargetCode)
	}

	data, err := matcher.Build()
	if err != nil {
		return fmt.Errorf("error building exact match index: %w", err)
	}

	key := exact.IndexKey(u.language)
	if err := u.store.PutObject(ctx, u.bucket, key, bytes.NewReader(data)); err != nil {
		return err
	}

	slog.Info("exact match index rebuilt", "language", u.language, "examples", len(examples), "key", key)
	return nil
}
