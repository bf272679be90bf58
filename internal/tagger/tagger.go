package tagger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/mfenderov/campuscal/internal/cache"
	"github.com/mfenderov/campuscal/internal/metrics"
	"github.com/mfenderov/campuscal/pkg/models"
)

// BatchSize is the number of names sent in one classification request.
const BatchSize = 50

// Vocabulary is the fixed set of topic tags the constrained classifier may choose from.
var Vocabulary = []string{
	"computer science",
	"entrepreneurship",
	"arts",
	"social",
	"health",
	"diversity",
	"sustainability",
	"career",
	"religious",
	"chemistry",
	"music",
	"hobbies",
	"business",
	"food",
	"travel",
}

// Completer sends a system instruction and a prompt to a text model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// MismatchError reports a batch whose reply did not carry one tag per input.
type MismatchError struct {
	Batch  int
	Inputs int
	Tags   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("batch %d: got %d tags for %d events", e.Batch, e.Tags, e.Inputs)
}

// ClassifyError wraps a failed classification request.
type ClassifyError struct {
	Batch int
	Err   error
}

func (e *ClassifyError) Error() string {
	return fmt.Sprintf("failed to classify batch %d: %v", e.Batch, e.Err)
}

func (e *ClassifyError) Unwrap() error {
	return e.Err
}

// Config holds tagger configuration.
type Config struct {
	Completer  Completer
	Cache      cache.Cache      // optional
	Metrics    *metrics.Metrics // optional
	BatchSize  int
	Vocabulary []string
}

// Tagger assigns topic tags to event names using a text model.
type Tagger struct {
	completer  Completer
	cache      cache.Cache
	metrics    *metrics.Metrics
	batchSize  int
	vocabulary []string
}

// New creates a new Tagger.
func New(config Config) *Tagger {
	if config.BatchSize <= 0 {
		config.BatchSize = BatchSize
	}
	if len(config.Vocabulary) == 0 {
		config.Vocabulary = Vocabulary
	}
	return &Tagger{
		completer:  config.Completer,
		cache:      config.Cache,
		metrics:    config.Metrics,
		batchSize:  config.BatchSize,
		vocabulary: config.Vocabulary,
	}
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Sanitize removes every rune that is not a letter.
func Sanitize(token string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return -1
	}, token)
}

// Normalize sanitizes a fixed-vocabulary tag and lower-cases it so tags from
// batch and single-name requests compare equal.
func Normalize(tag string) string {
	return strings.ToLower(Sanitize(tag))
}

type variant struct {
	name   string
	system string
	split  func(string) []string
	clean  func(string) string
}

func (t *Tagger) freeform() variant {
	return variant{
		name: "freeform",
		system: "Take a JSON list of event names as input. For every event in the list, create a one-word tag " +
			"that describes the academic subject, activity, or theme of the event. Suitable tags are, for example: " +
			"programming, CS, biology, science, career, entrepreneurship, social, charity. Do not include redundant " +
			"words like: recitation, lecture, activity. Return the tags separated by spaces, in input order.",
		split: strings.Fields,
		clean: Sanitize,
	}
}

func (t *Tagger) fixed() variant {
	return variant{
		name: "fixed",
		system: fmt.Sprintf("Take a JSON list of event names as input. For every event in the list, choose a tag from %s. "+
			"Return the tags separated by commas, in input order. Do not include any text other than the tags.",
			t.vocabularyList()),
		split: splitCommas,
		clean: Normalize,
	}
}

func (t *Tagger) vocabularyList() string {
	b, _ := json.Marshal(t.vocabulary)
	return string(b)
}

// splitCommas splits a comma-separated reply, tolerating a surrounding list
// literal and a trailing separator.
func splitCommas(reply string) []string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "[")
	reply = strings.TrimSuffix(reply, "]")
	reply = strings.TrimSuffix(strings.TrimSpace(reply), ",")
	return strings.Split(reply, ",")
}

// Style selects the prompt used to tag a batch of names.
type Style string

const (
	StyleFixed    Style = "fixed"    // labels from the vocabulary
	StyleFreeform Style = "freeform" // labels chosen by the model
)

// ParseStyle validates a style name.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StyleFixed, StyleFreeform:
		return Style(s), nil
	}
	return "", fmt.Errorf("unknown tag style %q (want fixed or freeform)", s)
}

// Tag labels names with the given style.
func (t *Tagger) Tag(ctx context.Context, style Style, names []string) ([]models.TaggedEvent, error) {
	if style == StyleFreeform {
		return t.Freeform(ctx, names)
	}
	return t.Fixed(ctx, names)
}

// Freeform tags each name with a model-chosen label, split on whitespace.
func (t *Tagger) Freeform(ctx context.Context, names []string) ([]models.TaggedEvent, error) {
	return t.tag(ctx, names, t.freeform())
}

// Fixed tags each name with a label from the vocabulary, split on commas.
func (t *Tagger) Fixed(ctx context.Context, names []string) ([]models.TaggedEvent, error) {
	return t.tag(ctx, names, t.fixed())
}

// Classify tags a single name with a label from the vocabulary.
func (t *Tagger) Classify(ctx context.Context, name string) (string, error) {
	key := "fixed:" + name
	if tag, ok := t.lookup(ctx, key); ok {
		return tag, nil
	}

	system := fmt.Sprintf("Take an event name as input. Choose a tag for the event from %s. "+
		"Do not include any text other than the tag.", t.vocabularyList())

	reply, err := t.completer.Complete(ctx, system, name)
	if err != nil {
		return "", &ClassifyError{Err: err}
	}

	tag := Normalize(reply)
	t.store(ctx, key, tag)
	return tag, nil
}

func (t *Tagger) tag(ctx context.Context, names []string, v variant) ([]models.TaggedEvent, error) {
	tagged := make([]models.TaggedEvent, len(names))
	var misses []int
	for i, name := range names {
		tagged[i].Name = name
		if tag, ok := t.lookup(ctx, v.name+":"+name); ok {
			tagged[i].Tag = tag
			continue
		}
		misses = append(misses, i)
	}

	for batch, idx := range Chunk(misses, t.batchSize) {
		batchNames := make([]string, len(idx))
		for j, i := range idx {
			batchNames[j] = names[i]
		}

		prompt, err := json.Marshal(batchNames)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch %d: %w", batch, err)
		}

		slog.Debug("classifying batch", "variant", v.name, "batch", batch, "size", len(batchNames))
		reply, err := t.completer.Complete(ctx, v.system, string(prompt))
		if err != nil {
			return nil, &ClassifyError{Batch: batch, Err: err}
		}

		tokens := v.split(reply)
		if len(tokens) != len(batchNames) {
			slog.Warn("tag count mismatch", "variant", v.name, "batch", batch,
				"events", len(batchNames), "tags", len(tokens))
			return nil, &MismatchError{Batch: batch, Inputs: len(batchNames), Tags: len(tokens)}
		}

		for j, i := range idx {
			tag := v.clean(tokens[j])
			tagged[i].Tag = tag
			t.store(ctx, v.name+":"+names[i], tag)
		}
	}

	return tagged, nil
}

func (t *Tagger) lookup(ctx context.Context, key string) (string, bool) {
	if t.cache == nil {
		return "", false
	}
	tag, ok, err := t.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("tag cache lookup failed", "key", key, "error", err)
		ok = false
	}
	t.metrics.CacheLookup(ok)
	return tag, ok
}

func (t *Tagger) store(ctx context.Context, key, tag string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, key, tag); err != nil {
		slog.Warn("tag cache write failed", "key", key, "error", err)
	}
}
