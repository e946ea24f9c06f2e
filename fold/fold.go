// Package fold partitions a labeled document corpus into K disjoint,
// stratified test folds. Assignment is a pure function of (corpus, K,
// seed): the same inputs always reproduce the identical assignment, byte
// for byte once serialized.
package fold

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"github.com/auditflow/orchestrator/types"
)

// Standard error definitions
var (
	ErrEmptyCorpus       = errors.New("corpus is empty")
	ErrInvalidFoldCount  = errors.New("fold count must be at least 2")
	ErrDuplicateDocument = errors.New("duplicate document ID in corpus")
	ErrFoldOutOfRange    = errors.New("fold index out of range")
	ErrUnassigned        = errors.New("document left unassigned")
	ErrDoubleAssigned    = errors.New("document assigned to multiple folds")
)

// Complexity bucket boundaries. Complexity is expected on a [0,1] scale;
// values outside it land in the outer buckets.
const (
	lowBucketBound  = 1.0 / 3.0
	highBucketBound = 2.0 / 3.0
)

// Assign produces a stratified K-fold assignment of the corpus. Documents
// are stratified by label and coarse complexity bucket; within each
// stratum they are ordered by a seed-derived shuffle and dealt round-robin
// across folds, with the dealing position carried from stratum to stratum
// so small strata do not pile onto fold 0.
func Assign(corpus []types.Document, k int, seed int64) (types.FoldAssignment, error) {
	if len(corpus) == 0 {
		return types.FoldAssignment{}, ErrEmptyCorpus
	}
	if k < 2 {
		return types.FoldAssignment{}, fmt.Errorf("%w: k=%d", ErrInvalidFoldCount, k)
	}

	seen := make(map[string]bool, len(corpus))
	strata := make(map[string][]types.Document)
	for _, doc := range corpus {
		if seen[doc.ID] {
			return types.FoldAssignment{}, fmt.Errorf("%w: %s", ErrDuplicateDocument, doc.ID)
		}
		seen[doc.ID] = true
		key := stratumKey(doc)
		strata[key] = append(strata[key], doc)
	}

	keys := make([]string, 0, len(strata))
	for key := range strata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	assignment := types.FoldAssignment{
		K:        k,
		Seed:     seed,
		TestSets: make([][]string, k),
	}
	for i := range assignment.TestSets {
		assignment.TestSets[i] = []string{}
	}

	offset := 0
	counts := make(map[string][]int, len(strata))
	for _, key := range keys {
		docs := shuffled(strata[key], seed, key)
		counts[key] = make([]int, k)
		for i, doc := range docs {
			fold := (offset + i) % k
			assignment.TestSets[fold] = append(assignment.TestSets[fold], doc.ID)
			counts[key][fold]++
		}
		offset = (offset + len(docs)) % k
	}

	if err := validate(corpus, assignment); err != nil {
		return types.FoldAssignment{}, err
	}

	assignment.Report = balanceReport(keys, counts, k)
	return assignment, nil
}

// Fold returns the train and test sets for one fold of an assignment.
func Fold(assignment types.FoldAssignment, corpus []types.Document, i int) ([]types.Document, []types.Document, error) {
	if i < 0 || i >= assignment.K || i >= len(assignment.TestSets) {
		return nil, nil, fmt.Errorf("%w: fold=%d k=%d", ErrFoldOutOfRange, i, assignment.K)
	}

	inTest := make(map[string]bool, len(assignment.TestSets[i]))
	for _, id := range assignment.TestSets[i] {
		inTest[id] = true
	}

	var train, test []types.Document
	for _, doc := range corpus {
		if inTest[doc.ID] {
			test = append(test, doc)
		} else {
			train = append(train, doc)
		}
	}
	if len(test) != len(assignment.TestSets[i]) {
		return nil, nil, fmt.Errorf("assignment references documents missing from corpus (fold %d)", i)
	}
	return train, test, nil
}

// Marshal serializes an assignment to its canonical artifact form. The
// output is re-derivable byte for byte from (corpus, K, seed).
func Marshal(assignment types.FoldAssignment) ([]byte, error) {
	return json.MarshalIndent(assignment, "", "  ")
}

// Unmarshal parses a serialized assignment artifact.
func Unmarshal(data []byte) (types.FoldAssignment, error) {
	var assignment types.FoldAssignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return types.FoldAssignment{}, fmt.Errorf("failed to unmarshal assignment: %w", err)
	}
	return assignment, nil
}

// stratumKey composes the stratification key: primary label and coarse
// complexity bucket.
func stratumKey(doc types.Document) string {
	bucket := "high"
	switch {
	case doc.Complexity < lowBucketBound:
		bucket = "low"
	case doc.Complexity < highBucketBound:
		bucket = "mid"
	}
	return doc.Label + "|" + bucket
}

// shuffled returns the stratum's documents in the seed-determined
// tie-breaking order. Documents are first sorted by ID so the result is
// independent of corpus iteration order.
func shuffled(docs []types.Document, seed int64, key string) []types.Document {
	out := make([]types.Document, len(docs))
	copy(out, docs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	h := fnv.New64a()
	h.Write([]byte(key))
	rng := rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// validate raises on the two conditions that make an assignment invalid:
// an unassigned document or a document in more than one test set.
func validate(corpus []types.Document, assignment types.FoldAssignment) error {
	assigned := make(map[string]int)
	for _, testSet := range assignment.TestSets {
		for _, id := range testSet {
			assigned[id]++
			if assigned[id] > 1 {
				return fmt.Errorf("%w: %s", ErrDoubleAssigned, id)
			}
		}
	}
	for _, doc := range corpus {
		if assigned[doc.ID] == 0 {
			return fmt.Errorf("%w: %s", ErrUnassigned, doc.ID)
		}
	}
	return nil
}

// balanceReport computes, per stratum, the per-fold counts and their
// coefficient of variation. Strata smaller than K are flagged as expected
// high-variance cases, not defects.
func balanceReport(keys []string, counts map[string][]int, k int) types.BalanceReport {
	report := types.BalanceReport{Strata: make([]types.StratumBalance, 0, len(keys))}
	for _, key := range keys {
		perFold := counts[key]
		total := 0
		for _, n := range perFold {
			total += n
		}
		mean := float64(total) / float64(k)

		var variance float64
		for _, n := range perFold {
			d := float64(n) - mean
			variance += d * d
		}
		variance /= float64(k)

		cv := 0.0
		if mean > 0 {
			cv = math.Sqrt(variance) / mean
		}

		report.Strata = append(report.Strata, types.StratumBalance{
			Stratum:      key,
			PerFold:      perFold,
			CV:           cv,
			SmallerThanK: total < k,
		})
	}
	return report
}
