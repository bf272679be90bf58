package ranker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mfenderov/campuscal/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultQuotas allows three picks for the top tag, two for the second and one for the third.
var DefaultQuotas = []int{3, 2, 1}

const (
	DefaultScanLimit   = 101
	DefaultConcurrency = 4
)

// Classifier assigns tags from the fixed vocabulary.
type Classifier interface {
	Fixed(ctx context.Context, names []string) ([]models.TaggedEvent, error)
	Classify(ctx context.Context, name string) (string, error)
}

// Config holds ranking limits.
type Config struct {
	Quotas      []int // picks allowed per rank, highest rank first
	ScanLimit   int   // maximum candidates examined
	Concurrency int   // parallel single-event classifications
}

// Selection is one picked event.
type Selection struct {
	Event models.Event `json:"event"`
	Tag   string       `json:"tag"`
	Rank  int          `json:"rank"` // 1-based
}

// Result is the output of Select.
type Result struct {
	Selections []Selection    `json:"selections"`
	TopTags    []string       `json:"top_tags"`
	Counts     map[string]int `json:"counts"`
	Scanned    int            `json:"scanned"`
	Candidates []CandidateTag `json:"-"`
}

// CandidateTag records the tag assigned to a scanned candidate.
type CandidateTag struct {
	Event models.Event
	Tag   string
}

// Events returns the selected events in selection order.
func (r *Result) Events() []models.Event {
	events := make([]models.Event, len(r.Selections))
	for i, s := range r.Selections {
		events[i] = s.Event
	}
	return events
}

// Ranker picks upcoming events matching the user's most frequent tags.
type Ranker struct {
	classifier Classifier
	config     Config
}

// New creates a new Ranker.
func New(classifier Classifier, config Config) *Ranker {
	if len(config.Quotas) == 0 {
		config.Quotas = slices.Clone(DefaultQuotas)
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = DefaultScanLimit
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	return &Ranker{classifier: classifier, config: config}
}

// CountTags counts occurrences of each tag.
func CountTags(tagged []models.TaggedEvent) map[string]int {
	counts := make(map[string]int)
	for _, te := range tagged {
		counts[te.Tag]++
	}
	return counts
}

// TopTags returns up to n tags by descending count, ties broken by tag name.
func TopTags(counts map[string]int, n int) []string {
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	slices.SortFunc(tags, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

// Select classifies the history and picks candidates whose tag matches one of
// the top tags, honouring the per-rank quotas. Candidates are walked in order;
// the first rank that matches and still has room wins.
func (r *Ranker) Select(ctx context.Context, history []string, candidates []models.Event) (*Result, error) {
	result := &Result{}
	if len(history) == 0 {
		slog.Info("no calendar history, nothing to rank")
		return result, nil
	}

	tagged, err := r.classifier.Fixed(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("failed to tag history: %w", err)
	}

	result.Counts = CountTags(tagged)
	// An empty tag says nothing about preferences.
	delete(result.Counts, "")
	result.TopTags = TopTags(result.Counts, len(r.config.Quotas))
	slog.Info("top history tags", "tags", result.TopTags, "history", len(history))
	if len(result.TopTags) == 0 {
		return result, nil
	}

	filled := make([]int, len(result.TopTags))
	full := func() bool {
		for i, q := range filled {
			if q < r.config.Quotas[i] {
				return false
			}
		}
		return true
	}

	limit := min(len(candidates), r.config.ScanLimit)
	for start := 0; start < limit && !full(); start += r.config.Concurrency {
		window := candidates[start:min(start+r.config.Concurrency, limit)]
		tags, err := r.classifyWindow(ctx, window)
		if err != nil {
			return nil, err
		}

		for i, ev := range window {
			if full() {
				break
			}
			result.Scanned++
			result.Candidates = append(result.Candidates, CandidateTag{Event: ev, Tag: tags[i]})

			for rank, top := range result.TopTags {
				if tags[i] == top && filled[rank] < r.config.Quotas[rank] {
					filled[rank]++
					result.Selections = append(result.Selections, Selection{Event: ev, Tag: top, Rank: rank + 1})
					slog.Debug("selected event", "name", ev.Name, "tag", top, "rank", rank+1)
					break
				}
			}
		}
	}

	return result, nil
}

func (r *Ranker) classifyWindow(ctx context.Context, window []models.Event) ([]string, error) {
	tags := make([]string, len(window))
	g, gctx := errgroup.WithContext(ctx)
	for i, ev := range window {
		g.Go(func() error {
			tag, err := r.classifier.Classify(gctx, ev.Name)
			if err != nil {
				return fmt.Errorf("failed to classify %q: %w", ev.Name, err)
			}
			tags[i] = tag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tags, nil
}
