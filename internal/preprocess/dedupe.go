package preprocess

import (
	"crypto/sha256"
	"fmt"
	"math/bits"
	"regexp"
	"strings"
)

const (
	defaultFingerprintBits  = 64
	defaultHammingThreshold = 3
)

var (
	urlPattern        = regexp.MustCompile(`http[s]?://\S+|www\.\S+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// PrepareText normalizes text before fingerprinting: lowercase, URLs
// stripped, whitespace collapsed.
func PrepareText(text string) string {
	text = strings.ToLower(text)
	text = urlPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Scorer computes locality-sensitive fingerprints, collapses near-duplicate
// records and scores novelty against a reference corpus. Fingerprint width
// and duplicate threshold are per-source settings.
type Scorer struct {
	bits      int
	threshold int
}

// NewScorer builds a Scorer; width must be in [1, 64] bits. Zero values
// select the defaults (64 bits, Hamming threshold 3).
func NewScorer(fingerprintBits, hammingThreshold int) (*Scorer, error) {
	if fingerprintBits == 0 {
		fingerprintBits = defaultFingerprintBits
	}
	if hammingThreshold == 0 {
		hammingThreshold = defaultHammingThreshold
	}
	if fingerprintBits < 1 || fingerprintBits > 64 {
		return nil, fmt.Errorf("fingerprint width %d out of range [1, 64]", fingerprintBits)
	}
	if hammingThreshold < 0 {
		return nil, fmt.Errorf("hamming threshold %d is negative", hammingThreshold)
	}
	return &Scorer{bits: fingerprintBits, threshold: hammingThreshold}, nil
}

// Fingerprint computes the simhash of prepared text: weighted-bit
// aggregation over overlapping 3-character shingles hashed with SHA-256.
// Empty text maps to zero.
func (s *Scorer) Fingerprint(text string) uint64 {
	if text == "" {
		return 0
	}

	shingles := make([]string, 0, len(text))
	for i := 0; i+3 <= len(text); i++ {
		shingles = append(shingles, text[i:i+3])
	}
	if len(shingles) == 0 {
		shingles = []string{text}
	}

	weights := make([]int, s.bits)
	for _, shingle := range shingles {
		digest := sha256.Sum256([]byte(shingle))
		for i := 0; i < s.bits; i++ {
			if (digest[i/8]>>(i%8))&1 == 1 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}

	var hash uint64
	for i, weight := range weights {
		if weight > 0 {
			hash |= 1 << i
		}
	}
	return hash
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Annotation marks one record's duplicate status. Leaders keep IsDupe false
// and carry their own id as ClusterID.
type Annotation struct {
	IsDupe    bool
	ClusterID string
}

// Annotate collapses near-duplicates within one day's records. ids and texts
// are parallel slices; texts must already be prepared. Each connected
// component of candidate-duplicate pairs elects its lowest-index member as
// leader, and all members carry the leader's id.
func (s *Scorer) Annotate(ids, texts []string) ([]Annotation, error) {
	if len(ids) != len(texts) {
		return nil, fmt.Errorf("ids (%d) and texts (%d) length mismatch", len(ids), len(texts))
	}

	hashes := make([]uint64, len(texts))
	for i, text := range texts {
		hashes[i] = s.Fingerprint(text)
	}

	pairs := s.duplicatePairs(hashes)
	leaders := clusterLeaders(pairs, len(ids))

	annotations := make([]Annotation, len(ids))
	for i, leader := range leaders {
		annotations[i] = Annotation{
			IsDupe:    leader != i,
			ClusterID: ids[leader],
		}
	}
	return annotations, nil
}

// Novelty scores each current text against the reference corpus: the
// normalized minimum Hamming distance to any reference fingerprint, clamped
// to [0, 1]. An empty corpus makes every record maximally novel (1.0).
func (s *Scorer) Novelty(current, reference []string) []float64 {
	scores := make([]float64, len(current))
	if len(current) == 0 {
		return scores
	}
	if len(reference) == 0 {
		for i := range scores {
			scores[i] = 1.0
		}
		return scores
	}

	refHashes := make([]uint64, len(reference))
	for i, text := range reference {
		refHashes[i] = s.Fingerprint(text)
	}

	for i, text := range current {
		hash := s.Fingerprint(text)
		minDistance := s.bits
		for _, ref := range refHashes {
			if d := HammingDistance(hash, ref); d < minDistance {
				minDistance = d
			}
		}
		novelty := float64(minDistance) / float64(s.bits)
		if novelty > 1 {
			novelty = 1
		}
		scores[i] = novelty
	}
	return scores
}

func (s *Scorer) duplicatePairs(hashes []uint64) [][2]int {
	var pairs [][2]int
	for i := 0; i < len(hashes); i++ {
		for j := i + 1; j < len(hashes); j++ {
			if HammingDistance(hashes[i], hashes[j]) <= s.threshold {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	return pairs
}

// clusterLeaders computes connected components over duplicate pairs and
// returns, per item, the lowest index reachable from it.
func clusterLeaders(pairs [][2]int, n int) []int {
	adjacency := make([][]int, n)
	for _, pair := range pairs {
		adjacency[pair[0]] = append(adjacency[pair[0]], pair[1])
		adjacency[pair[1]] = append(adjacency[pair[1]], pair[0])
	}

	leaders := make([]int, n)
	visited := make([]bool, n)
	for start := 0; start < n; start++ {
		if visited[start] {
			continue
		}

		component := []int{}
		stack := []int{start}
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[node] {
				continue
			}
			visited[node] = true
			component = append(component, node)
			stack = append(stack, adjacency[node]...)
		}

		leader := component[0]
		for _, node := range component {
			if node < leader {
				leader = node
			}
		}
		for _, node := range component {
			leaders[node] = leader
		}
	}
	return leaders
}
