package grouping

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/kwgroup/internal/keywords"
	"github.com/thebtf/kwgroup/pkg/models"
)

// fixtureEmbedder returns hand-made vectors so tests can reason about
// semantic proximity without a model.
type fixtureEmbedder struct {
	vectors  map[string][]float32
	version  string
	versions []string
	err      error
	block    bool
	calls    [][]string
	// synthetic, when set, gives texts without a fixture a pseudo-random
	// vector of that many dimensions.
	synthetic int
}

func newFixtureEmbedder() *fixtureEmbedder {
	return &fixtureEmbedder{
		version: "fixture-v1",
		vectors: map[string][]float32{
			"seo tips":         {1, 0.1, 0},
			"seo strategy":     {0.9, 0.2, 0},
			"baking bread":     {0, 1, 0.1},
			"sourdough recipe": {0.1, 0.9, 0.2},
			"keyword research": {0.95, 0, 0.1},
			"link building":    {0.85, 0.1, 0.1},
			"rye flour":        {0, 0.95, 0.05},
			"oven temperature": {0.05, 0.85, 0},
		},
	}
}

func (f *fixtureEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok && f.synthetic > 0 {
			v, ok = syntheticVector(t, f.synthetic), true
		}
		if !ok {
			return nil, fmt.Errorf("no fixture vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fixtureEmbedder) Dimensions() int { return 3 }

func syntheticVector(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewPCG(h.Sum64(), 7))
	v := make([]float32, dims)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func (f *fixtureEmbedder) ModelVersion() string {
	if len(f.versions) > 0 {
		v := f.versions[0]
		f.versions = f.versions[1:]
		return v
	}
	return f.version
}

type fakeSource struct {
	records []models.Keyword
	fetches int
}

func (s *fakeSource) FetchUnprocessedKeywords(_ context.Context, _ string) ([]models.Keyword, error) {
	s.fetches++
	return append([]models.Keyword(nil), s.records...), nil
}

func records(texts ...string) []models.Keyword {
	out := make([]models.Keyword, len(texts))
	for i, t := range texts {
		out[i] = models.Keyword{ID: int64(i + 1), Owner: "alice", Text: t}
	}
	return out
}

// EngineSuite exercises the full grouping pipeline.
type EngineSuite struct {
	suite.Suite
	embedder *fixtureEmbedder
	ctx      context.Context
}

func (s *EngineSuite) SetupTest() {
	s.embedder = newFixtureEmbedder()
	s.ctx = context.Background()
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) engine(mutate func(*Options)) *Engine {
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	return NewEngine(s.embedder, opts, NewMetrics())
}

func (s *EngineSuite) TestSemanticProximityWithTwoGroups() {
	e := s.engine(func(o *Options) { o.K = 2 })
	result, err := e.Group(s.ctx, "alice",
		records("seo tips", "seo strategy", "baking bread", "sourdough recipe"))
	s.Require().NoError(err)
	s.Require().Len(result.Groups, 2)

	assignments := result.Assignments()
	s.Equal(assignments["seo tips"], assignments["seo strategy"])
	s.Equal(assignments["baking bread"], assignments["sourdough recipe"])
	s.NotEqual(assignments["seo tips"], assignments["baking bread"])
}

func (s *EngineSuite) TestSmallSetIsOneGroup() {
	e := s.engine(nil)
	result, err := e.Group(s.ctx, "alice", records("seo tips", "baking bread", "rye flour"))
	s.Require().NoError(err)
	s.Equal(1, result.K)
	s.Require().Len(result.Groups, 1)
	s.Equal([]string{"seo tips", "baking bread", "rye flour"}, []string(result.Groups[0].Members))
	s.NotEmpty(result.Groups[0].Label)
}

func (s *EngineSuite) TestResultFields() {
	e := s.engine(nil)
	all := records("seo tips", "seo strategy", "baking bread", "sourdough recipe",
		"keyword research", "link building", "rye flour", "oven temperature")
	result, err := e.Group(s.ctx, "alice", all)
	s.Require().NoError(err)

	s.Equal(2, result.K)
	s.Equal("alice", result.Owner)
	s.Equal("fixture-v1", result.ModelVersion)
	s.Equal(uint64(42), result.Seed)
	s.NotEmpty(result.RunID)
	s.False(result.CreatedAt.IsZero())
	s.Equal([]int64{1, 2, 3, 4, 5, 6, 7, 8}, result.KeywordIDs)
	s.Nil(result.Groups[0].Centroid)

	total := 0
	for _, g := range result.Groups {
		total += g.Size()
	}
	s.Equal(len(all), total)
}

func (s *EngineSuite) TestDeterministicAcrossRuns() {
	e := s.engine(nil)
	in := records("seo tips", "seo strategy", "baking bread", "sourdough recipe",
		"keyword research", "link building", "rye flour", "oven temperature")

	first, err := e.Group(s.ctx, "alice", in)
	s.Require().NoError(err)
	second, err := e.Group(s.ctx, "alice", in)
	s.Require().NoError(err)

	s.Equal(first.Groups, second.Groups)
	s.Equal(first.Inertia, second.Inertia)
	s.NotEqual(first.RunID, second.RunID)
}

func (s *EngineSuite) TestDuplicatesCollapse() {
	e := s.engine(nil)
	result, err := e.Group(s.ctx, "alice", records("SEO Tips", "seo  tips", "baking bread"))
	s.Require().NoError(err)

	s.Require().Len(s.embedder.calls, 1)
	s.Equal([]string{"seo tips", "baking bread"}, s.embedder.calls[0])
	s.Equal([]string{"seo tips", "baking bread"}, []string(result.Groups[0].Members))
	s.Equal([]int64{1, 2, 3}, result.KeywordIDs)
}

func (s *EngineSuite) TestStoredTextIsMemberText() {
	entries := keywords.NewNormalizer(nil, nil).Parse("<<seo tips>>, ＜baking bread＞")
	s.Require().Len(entries, 2)
	texts := []string{entries[0].Text, entries[1].Text}

	e := s.engine(nil)
	result, err := e.Group(s.ctx, "alice", records(texts...))
	s.Require().NoError(err)

	members := make([]string, 0, 2)
	for _, g := range result.Groups {
		members = append(members, g.Members...)
	}
	s.ElementsMatch(texts, members)
}

func (s *EngineSuite) TestEmptyInput() {
	e := s.engine(nil)
	result, err := e.Group(s.ctx, "alice", nil)
	s.ErrorIs(err, ErrEmptyKeywordSet)
	s.Nil(result)
	s.Empty(s.embedder.calls)
	s.Equal(int64(1), e.Metrics().Snapshot().Failures)
}

func (s *EngineSuite) TestBlankKeywordRejected() {
	e := s.engine(nil)
	_, err := e.Group(s.ctx, "alice", records("seo tips", "   ", "baking bread"))
	s.Require().ErrorIs(err, ErrInvalidInput)

	var ie *InputError
	s.Require().True(errors.As(err, &ie))
	s.Equal(1, ie.Index)
	s.Empty(s.embedder.calls)
}

func (s *EngineSuite) TestValidatorRejectsLongKeyword() {
	v, err := keywords.NewValidator(4)
	s.Require().NoError(err)
	e := s.engine(func(o *Options) { o.Validator = v })

	_, err = e.Group(s.ctx, "alice", records("seo tips", strings.Repeat("sourdough ", 20)))
	s.ErrorIs(err, ErrInvalidInput)
	s.ErrorIs(err, keywords.ErrKeywordTooLong)
}

func (s *EngineSuite) TestEmbeddingUnavailable() {
	s.embedder.err = fmt.Errorf("%w: connection refused", ErrEmbeddingUnavailable)
	e := s.engine(nil)

	result, err := e.Group(s.ctx, "alice", records("seo tips"))
	s.ErrorIs(err, ErrEmbeddingUnavailable)
	s.True(IsRetryable(err))
	s.Nil(result)
}

func (s *EngineSuite) TestUnclassifiedEmbedderErrorIsUnavailable() {
	s.embedder.err = errors.New("boom")
	e := s.engine(nil)

	_, err := e.Group(s.ctx, "alice", records("seo tips"))
	s.ErrorIs(err, ErrEmbeddingUnavailable)
}

func (s *EngineSuite) TestTimeout() {
	s.embedder.block = true
	e := s.engine(func(o *Options) { o.Timeout = 20 * time.Millisecond })

	result, err := e.Group(s.ctx, "alice", records("seo tips"))
	s.ErrorIs(err, ErrGroupingTimeout)
	s.False(IsRetryable(err))
	s.Nil(result)
	s.Equal(int64(1), e.Metrics().Snapshot().Timeouts)
}

func (s *EngineSuite) TestCallerCancellation() {
	s.embedder.block = true
	e := s.engine(nil)
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := e.Group(ctx, "alice", records("seo tips"))
	s.ErrorIs(err, context.Canceled)
	s.NotErrorIs(err, ErrGroupingTimeout)
}

func (s *EngineSuite) TestModelVersionChangeRejected() {
	s.embedder.versions = []string{"fixture-v1", "fixture-v2"}
	e := s.engine(nil)

	_, err := e.Group(s.ctx, "alice", records("seo tips"))
	s.ErrorIs(err, ErrEmbeddingUnavailable)
}

func (s *EngineSuite) TestSilhouetteStrategy() {
	e := s.engine(func(o *Options) { o.KStrategy = StrategySilhouette })
	result, err := e.Group(s.ctx, "alice", records("seo tips", "seo strategy", "baking bread",
		"sourdough recipe", "keyword research", "link building", "rye flour", "oven temperature"))
	s.Require().NoError(err)
	s.Equal(2, result.K)
}

func (s *EngineSuite) TestSilhouetteStrategyHonoursTimeout() {
	s.embedder.synthetic = 64
	e := s.engine(func(o *Options) {
		o.KStrategy = StrategySilhouette
		o.Timeout = time.Millisecond
	})

	texts := make([]string, 5000)
	for i := range texts {
		texts[i] = fmt.Sprintf("keyword %d", i)
	}

	start := time.Now()
	result, err := e.Group(s.ctx, "alice", records(texts...))
	s.ErrorIs(err, ErrGroupingTimeout)
	s.Nil(result)
	s.Less(time.Since(start), time.Second)
}

func (s *EngineSuite) TestFixedKCappedByDistinctCount() {
	e := s.engine(func(o *Options) { o.K = 9 })
	result, err := e.Group(s.ctx, "alice", records("seo tips", "baking bread"))
	s.Require().NoError(err)
	s.Equal(2, result.K)
}

func (s *EngineSuite) TestIncludeCentroids() {
	e := s.engine(func(o *Options) { o.IncludeCentroids = true })
	result, err := e.Group(s.ctx, "alice", records("seo tips", "baking bread"))
	s.Require().NoError(err)
	s.Len(result.Groups[0].Centroid, 3)
}

func (s *EngineSuite) TestRunIsIdempotentOverStoreRoundTrip() {
	source := &fakeSource{records: records("seo tips", "seo strategy", "baking bread",
		"sourdough recipe", "keyword research", "link building")}
	e := s.engine(nil)

	first, err := e.Run(s.ctx, source, "alice")
	s.Require().NoError(err)
	second, err := e.Run(s.ctx, source, "alice")
	s.Require().NoError(err)

	s.Equal(2, source.fetches)
	s.Equal(first.Groups, second.Groups)
}

func (s *EngineSuite) TestGroupTexts() {
	e := s.engine(func(o *Options) { o.K = 2 })
	result, err := e.GroupTexts(s.ctx, "bob", []string{"Baking Bread", "SEO tips"})
	s.Require().NoError(err)
	s.Equal("bob", result.Owner)
	s.Empty(result.KeywordIDs)
	s.Len(result.NonEmptyGroups(), 2)
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(newFixtureEmbedder(), Options{}, nil)
	require.NotNil(t, e.Metrics())
	assert.Equal(t, StrategySqrt, e.opts.KStrategy)
	assert.Equal(t, DefaultMaxK, e.opts.MaxK)
	assert.Equal(t, "fixture-v1", e.ModelVersion())
}
