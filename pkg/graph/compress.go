package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/stagebridge/backend/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

var (
	ErrInvalidLimit = errors.New("compression limit must be positive")
	ErrEmptyView    = errors.New("cannot compress an empty view")
)

const defaultTokenEncoder = "o200k_base"

// Compressor selects the bounded, ranked subset of a graph view that is
// handed to the next pipeline stage.
type Compressor struct {
	scorer       *Scorer
	policy       Policy
	tokenEncoder string
	countFn      func(payload string) (int, error)
}

// CompressorOption configures a Compressor.
type CompressorOption func(*Compressor)

// WithTokenCounter replaces the tiktoken encoder with a custom counter,
// for callers that cannot or should not load BPE data.
func WithTokenCounter(fn func(payload string) (int, error)) CompressorOption {
	return func(c *Compressor) {
		c.countFn = fn
	}
}

// NewCompressor creates a compressor using the given policy's weights,
// quota and near-miss band.
func NewCompressor(policy Policy, opts ...CompressorOption) *Compressor {
	c := &Compressor{
		scorer:       NewScorer(policy.Weights),
		policy:       policy,
		tokenEncoder: defaultTokenEncoder,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scoredEntry struct {
	node  common.Node
	score float64
}

// Compress scores every node of the view, and returns the top n plus a
// coverage note of near-miss exclusions. Unresolved uncertainty nodes
// are always included up to the reserved quota, regardless of score:
// unresolved uncertainty must never be silently compressed away.
//
// The result is deterministic: ties are broken by earliest creation
// sequence.
func (c *Compressor) Compress(view View, n int) (common.CompressedHandoff, error) {
	if n <= 0 {
		return common.CompressedHandoff{}, ErrInvalidLimit
	}
	if view.Len() == 0 {
		return common.CompressedHandoff{}, ErrEmptyView
	}

	scored := make([]scoredEntry, 0, view.Len())
	for _, node := range view.Nodes {
		scored = append(scored, scoredEntry{node: node, score: c.scorer.Score(node, view)})
	}
	sortEntries(scored)

	reserved := int(math.Ceil(float64(n) * c.policy.UncertaintyQuota))
	if reserved > n {
		reserved = n
	}

	included := make(map[string]bool, n)
	selection := make([]scoredEntry, 0, n)

	for _, e := range scored {
		if len(selection) >= reserved {
			break
		}
		if e.node.Kind == common.KindUncertainty && e.node.Status != common.StatusResolved {
			included[e.node.ID] = true
			selection = append(selection, e)
		}
	}

	for _, e := range scored {
		if len(selection) >= n {
			break
		}
		if included[e.node.ID] {
			continue
		}
		included[e.node.ID] = true
		selection = append(selection, e)
	}
	sortEntries(selection)

	cutoff := selection[len(selection)-1].score

	var coverage []string
	for _, e := range scored {
		if included[e.node.ID] {
			continue
		}
		if e.score >= cutoff*(1-c.policy.NearMissBand) {
			coverage = append(coverage, fmt.Sprintf(
				"%s (%s) scored %.3f, within %.0f%% of cutoff %.3f",
				e.node.Label, e.node.ID, e.score, c.policy.NearMissBand*100, cutoff,
			))
		}
	}

	nodes := make([]common.ScoredNode, 0, len(selection))
	for _, e := range selection {
		nodes = append(nodes, common.ScoredNode{
			ID:    e.node.ID,
			Kind:  e.node.Kind,
			Label: e.node.Label,
			Score: e.score,
		})
	}

	tokens, err := c.countTokens(nodes)
	if err != nil {
		return common.CompressedHandoff{}, err
	}

	return common.CompressedHandoff{
		Nodes:        nodes,
		CoverageNote: coverage,
		TokenCount:   tokens,
	}, nil
}

func (c *Compressor) countTokens(nodes []common.ScoredNode) (int, error) {
	payload, err := json.Marshal(nodes)
	if err != nil {
		return 0, err
	}

	if c.countFn != nil {
		return c.countFn(string(payload))
	}

	enc, err := tiktoken.GetEncoding(c.tokenEncoder)
	if err != nil {
		return 0, fmt.Errorf("failed to load token encoder: %w", err)
	}
	return len(enc.Encode(string(payload), nil, nil)), nil
}

func sortEntries(entries []scoredEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].node.Seq < entries[j].node.Seq
	})
}
