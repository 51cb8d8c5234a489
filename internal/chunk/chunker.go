// Package chunk splits fetched content into embeddable pieces.
package chunk

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunker is the text-splitting collaborator consumed by the ingestion
// pipeline: ordered chunks out for raw text in.
type Chunker interface {
	Split(ctx context.Context, content string) ([]string, error)
}

// Config defines chunking parameters.
type Config struct {
	// Threshold: content at or below this length stays a single chunk.
	Threshold int
	// TargetSize: ideal chunk size in characters.
	TargetSize int
	// Overlap: character overlap between adjacent chunks.
	Overlap int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:  1500,
		TargetSize: 750,
		Overlap:    100,
	}
}

// Splitter chunks text on recursive character boundaries (paragraphs,
// then sentences, then words).
type Splitter struct {
	cfg      Config
	splitter textsplitter.RecursiveCharacter
}

var _ Chunker = (*Splitter)(nil)

// NewSplitter creates a Splitter for the given config.
func NewSplitter(cfg Config) *Splitter {
	if cfg.TargetSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Splitter{
		cfg: cfg,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.TargetSize),
			textsplitter.WithChunkOverlap(cfg.Overlap),
		),
	}
}

// Split returns the ordered chunk list for content. Short content is
// returned whole; whitespace-only content yields no chunks.
func (s *Splitter) Split(ctx context.Context, content string) ([]string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	if len(content) <= s.cfg.Threshold {
		return []string{content}, nil
	}

	chunks, err := s.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}

	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}
