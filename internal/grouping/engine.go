package grouping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/kwgroup/internal/embedding"
	"github.com/thebtf/kwgroup/internal/keywords"
	"github.com/thebtf/kwgroup/pkg/models"
)

// KeywordSource supplies the keywords of an owner that no run has consumed.
type KeywordSource interface {
	FetchUnprocessedKeywords(ctx context.Context, owner string) ([]models.Keyword, error)
}

// GroupSink persists a run and marks its keywords as grouped.
type GroupSink interface {
	MarkGrouped(ctx context.Context, owner string, result *models.GroupingResult) error
}

// Validator checks one normalized keyword before embedding.
type Validator interface {
	Validate(text string) error
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// Validator is optional.
	Validator Validator
	KStrategy string
	Timeout   time.Duration
	Seed      uint64
	MaxK      int
	// K fixes the group count (capped at the distinct keyword count).
	// Zero selects K automatically.
	K                 int
	SmallSetThreshold int
	MaxIterations     int
	Restarts          int
	// IncludeCentroids keeps group centroids in results.
	IncludeCentroids bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		KStrategy:         StrategySqrt,
		Timeout:           30 * time.Second,
		Seed:              42,
		MaxK:              DefaultMaxK,
		SmallSetThreshold: DefaultSmallSetThreshold,
		MaxIterations:     DefaultMaxIterations,
		Restarts:          DefaultRestarts,
	}
}

// Engine runs the grouping pipeline. It holds no per-run state and is safe
// for concurrent use.
type Engine struct {
	embedder embedding.Embedder
	metrics  *Metrics
	opts     Options
}

// NewEngine creates an engine around an embedder.
func NewEngine(embedder embedding.Embedder, opts Options, metrics *Metrics) *Engine {
	d := DefaultOptions()
	if opts.KStrategy == "" {
		opts.KStrategy = d.KStrategy
	}
	if opts.MaxK <= 0 {
		opts.MaxK = d.MaxK
	}
	if opts.SmallSetThreshold <= 0 {
		opts.SmallSetThreshold = d.SmallSetThreshold
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Engine{embedder: embedder, opts: opts, metrics: metrics}
}

// Metrics returns the engine's metrics tracker.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// ModelVersion returns the version of the injected embedder.
func (e *Engine) ModelVersion() string { return e.embedder.ModelVersion() }

// Run fetches the unprocessed keywords of owner and groups them.
// Nothing is persisted.
func (e *Engine) Run(ctx context.Context, source KeywordSource, owner string) (*models.GroupingResult, error) {
	records, err := source.FetchUnprocessedKeywords(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("fetch keywords: %w", err)
	}
	return e.Group(ctx, owner, records)
}

// GroupTexts groups raw keyword strings that are not stored anywhere.
func (e *Engine) GroupTexts(ctx context.Context, owner string, texts []string) (*models.GroupingResult, error) {
	records := make([]models.Keyword, len(texts))
	for i, t := range texts {
		records[i] = models.Keyword{Owner: owner, Text: t, Raw: t}
	}
	return e.Group(ctx, owner, records)
}

// Group partitions records into groups. Records are deduplicated by
// normalized text; every record maps to exactly one group. On any error no
// result is returned.
func (e *Engine) Group(ctx context.Context, owner string, records []models.Keyword) (*models.GroupingResult, error) {
	start := time.Now()
	result, err := e.group(ctx, owner, records)
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordFailure(ctx, err, elapsed)
		log.Warn().Err(err).Str("owner", owner).Str("kind", Kind(err)).Int("keywords", len(records)).
			Dur("elapsed", elapsed).Msg("Grouping failed")
		return nil, err
	}
	e.metrics.RecordRun(ctx, result.K, countDistinct(result), result.EmptyGroupCount(), result.Converged, elapsed)
	log.Info().Str("owner", owner).Str("run_id", result.RunID).Int("keywords", len(records)).
		Int("k", result.K).Int("iterations", result.Iterations).Bool("converged", result.Converged).
		Dur("elapsed", elapsed).Msg("Grouping completed")
	return result, nil
}

func (e *Engine) group(parent context.Context, owner string, records []models.Keyword) (*models.GroupingResult, error) {
	if len(records) == 0 {
		return nil, ErrEmptyKeywordSet
	}

	ctx := parent
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.opts.Timeout)
		defer cancel()
	}

	texts := make([]string, len(records))
	for i, r := range records {
		t := keywords.Normalize(r.Text)
		if t == "" {
			return nil, NewInputError(i, r.Text, "keyword is empty after normalization", keywords.ErrEmptyKeyword)
		}
		if e.opts.Validator != nil {
			if err := e.opts.Validator.Validate(t); err != nil {
				return nil, NewInputError(i, r.Text, "", err)
			}
		}
		texts[i] = t
	}
	unique, _ := keywords.Dedupe(texts)

	version := e.embedder.ModelVersion()
	vectors, err := e.embedder.Embed(ctx, unique)
	if err != nil {
		return nil, e.classify(parent, ctx, err)
	}
	if err := checkEmbeddings(vectors, len(unique)); err != nil {
		return nil, err
	}
	if after := e.embedder.ModelVersion(); after != version {
		return nil, fmt.Errorf("%w: model version changed from %s to %s during run", ErrEmbeddingUnavailable, version, after)
	}

	k, err := e.chooseK(ctx, vectors)
	if err != nil {
		return nil, e.classify(parent, ctx, err)
	}

	clustering, err := cluster(ctx, vectors, k, e.opts.Seed, ClusterOptions{
		MaxIterations: e.opts.MaxIterations,
		Restarts:      e.opts.Restarts,
	})
	if err != nil {
		return nil, e.classify(parent, ctx, err)
	}

	groups, err := Assemble(unique, vectors, clustering.Assignment, k)
	if err != nil {
		return nil, err
	}
	if !e.opts.IncludeCentroids {
		for i := range groups {
			groups[i].Centroid = nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, e.classify(parent, ctx, err)
	}

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		if r.ID != 0 {
			ids = append(ids, r.ID)
		}
	}

	return &models.GroupingResult{
		RunID:        uuid.NewString(),
		Owner:        owner,
		ModelVersion: version,
		Groups:       groups,
		KeywordIDs:   ids,
		Seed:         e.opts.Seed,
		Inertia:      clustering.Inertia,
		K:            k,
		Iterations:   clustering.Iterations,
		Converged:    clustering.Converged,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (e *Engine) chooseK(ctx context.Context, vectors [][]float32) (int, error) {
	n := len(vectors)
	if e.opts.K > 0 {
		return min(e.opts.K, n), nil
	}
	if e.opts.KStrategy == StrategySilhouette && n >= e.opts.SmallSetThreshold {
		return selectKBySilhouette(ctx, vectors, e.opts.MaxK, e.opts.Seed, ClusterOptions{
			MaxIterations: e.opts.MaxIterations,
			Restarts:      e.opts.Restarts,
		})
	}
	return selectK(n, e.opts.MaxK, e.opts.SmallSetThreshold)
}

// classify maps a pipeline error onto the package sentinels. A deadline
// hit by the run's own timeout becomes ErrGroupingTimeout; cancellation by
// the caller is returned as is.
func (e *Engine) classify(parent, ctx context.Context, err error) error {
	if ctx.Err() != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrGroupingTimeout, e.opts.Timeout)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, ErrEmptyKeywordSet), errors.Is(err, ErrGroupingTimeout):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
}

// checkEmbeddings rejects malformed embedder output. A backend returning
// the wrong shape is treated as unavailable rather than bad input.
func checkEmbeddings(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: got %d vectors for %d keywords", ErrEmbeddingUnavailable, len(vectors), want)
	}
	if want == 0 {
		return nil
	}
	dims := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dims {
			return fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrEmbeddingUnavailable, i, len(v), dims)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return fmt.Errorf("%w: vector %d contains a non-finite value", ErrEmbeddingUnavailable, i)
			}
		}
	}
	return nil
}

func countDistinct(r *models.GroupingResult) int {
	n := 0
	for _, g := range r.Groups {
		n += g.Size()
	}
	return n
}
