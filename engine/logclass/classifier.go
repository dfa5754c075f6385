package logclass

import (
	"github.com/clusterlens/streamcore/engine/domain"
)

// DefaultThreshold is the similarity cutoff below which a log mints a new
// class instead of merging into an existing one (override via
// CLASSIFIER_THRESHOLD).
const DefaultThreshold = 0.7

// Classifier assigns preprocessed log records to Class templates by
// positional similarity.
type Classifier struct {
	Threshold float64
}

// NewClassifier builds a Classifier with the given threshold. A threshold
// outside [0,1] is not clamped; DefaultThreshold is used instead.
func NewClassifier(threshold float64) Classifier {
	if threshold < 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return Classifier{Threshold: threshold}
}

// Classify assigns log to the best-matching class in classes (candidates
// are implicitly restricted to class.Length == log.Length), mutating and
// returning it on a match at or above the threshold, or minting and
// returning a fresh class otherwise. classes is returned with the winning
// class updated or appended; the caller persists the returned set.
func (c Classifier) Classify(log domain.PreprocessedLogRecord, classes []domain.Class) (domain.Class, []domain.Class) {
	bestIdx := -1
	bestSimilarity := -1.0

	for i := range classes {
		cand := classes[i]
		if cand.Length != log.Length {
			continue
		}
		similarity := c.similarity(log.PreprocessedMessage, cand)
		if similarity > bestSimilarity {
			bestSimilarity = similarity
			bestIdx = i
		}
	}

	if bestIdx >= 0 && bestSimilarity >= c.Threshold {
		classes[bestIdx].UpdateItems(log.PreprocessedMessage)
		classes[bestIdx].Count++
		return classes[bestIdx], classes
	}

	fresh := domain.NewClass(log)
	classes = append(classes, fresh)
	return fresh, classes
}

// similarity is the fraction of positions where the candidate's masked
// items agree with the incoming tokens. A Var position's mask is "", which
// never equals a real token, so it always counts as disagreement.
func (c Classifier) similarity(tokens []string, class domain.Class) float64 {
	if len(tokens) == 0 {
		return 1.0
	}
	mask := class.MaskItems()
	agree := 0
	for i, tok := range tokens {
		if i < len(mask) && mask[i] == tok {
			agree++
		}
	}
	return float64(agree) / float64(len(tokens))
}
