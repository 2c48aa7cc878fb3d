// Package scoring implements the Scorer: a composite score over
// efficiency, fairness, and 16 further quality sub-metrics, with a TTL
// cache keyed on canonical id + mutation generation.
package scoring

import (
	"math"
	"sync"
	"time"

	"tradeloop/internal/enumerator"
	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

// Top-level weights are fixed and not configurable.
const (
	WeightEfficiency = 0.40
	WeightFairness   = 0.30
	WeightQuality    = 0.30
)

// MetricWeights are the 16 quality sub-metric weights; their exact
// split is a configuration concern. The defaults sum to 1.0 so
// quality = dot(weights, metrics) stays in [0,1], scaled by
// WeightQuality in the composite.
type MetricWeights struct {
	CollectionDiversity    float64
	AgeFreshness           float64
	OwnerReputation        float64 // stubbed hook
	DegreeCentrality       float64
	CycleLengthPenalty     float64
	PriceConfidence        float64
	RarityRankSpread       float64
	MutualWantStrength     float64
	HistoricalSuccessRate  float64 // stubbed hook
	CollectionDerivedRatio float64
	ValueVariance          float64
	RoundTripDistance      float64
	WanterDensity          float64
	StaleWantPenalty       float64
	DuplicateCollection    float64
	ParticipantTrust       float64 // stubbed hook
}

// DefaultMetricWeights splits the quality weight evenly across the 16
// sub-metrics (0.0625 each, summing to 1.0 within the quality score).
// Every tenant's Scorer is built with these; Settings has no weight
// fields.
func DefaultMetricWeights() MetricWeights {
	const w = 1.0 / 16.0
	return MetricWeights{
		CollectionDiversity: w, AgeFreshness: w, OwnerReputation: w,
		DegreeCentrality: w, CycleLengthPenalty: w, PriceConfidence: w,
		RarityRankSpread: w, MutualWantStrength: w, HistoricalSuccessRate: w,
		CollectionDerivedRatio: w, ValueVariance: w, RoundTripDistance: w,
		WanterDensity: w, StaleWantPenalty: w, DuplicateCollection: w,
		ParticipantTrust: w,
	}
}

// neutralHookScore is returned by the stubbed reputation/history/trust
// metrics until an external feed is wired.
const neutralHookScore = 0.5

// Score is the full scoring breakdown for one cycle.
type Score struct {
	Efficiency float64
	Fairness   float64
	Quality    float64
	Composite  float64
	MaxDepth   int
}

// Scorer computes composite scores and caches them by canonical id +
// mutation generation with a configurable TTL (~10 min default).
type Scorer struct {
	weights  MetricWeights
	maxDepth int
	minScore float64

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	ttl   time.Duration
}

type cacheKey struct {
	canonicalID string
	generation  uint64
}

type cacheEntry struct {
	score   Score
	expires time.Time
}

// New creates a Scorer. maxDepth is used to normalize the cycle-length
// penalty metric; minScore is the admission threshold (default 0.5).
func New(weights MetricWeights, maxDepth int, minScore float64, ttl time.Duration) *Scorer {
	return &Scorer{
		weights:  weights,
		maxDepth: maxDepth,
		minScore: minScore,
		cache:    make(map[cacheKey]cacheEntry),
		ttl:      ttl,
	}
}

// Score computes (or returns the cached) composite score for a
// canonicalized cycle at the given mutation generation.
func (s *Scorer) Score(view *graphstore.View, c enumerator.Cycle, canonicalID string, generation uint64) Score {
	key := cacheKey{canonicalID: canonicalID, generation: generation}

	s.mu.Lock()
	if e, ok := s.cache[key]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		return e.score
	}
	s.mu.Unlock()

	score := s.compute(view, c)

	s.mu.Lock()
	s.cache[key] = cacheEntry{score: score, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return score
}

// Passes reports whether sc clears the configured minimum composite
// score; cycles below min_score are dropped.
func (s *Scorer) Passes(sc Score) bool { return sc.Composite >= s.minScore }

// Sweep drops expired cache entries; intended for a periodic ticker,
// idempotent like the Active Loop Cache's TTL sweep.
func (s *Scorer) Sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.cache {
		if now.After(e.expires) {
			delete(s.cache, k)
		}
	}
}

func (s *Scorer) compute(view *graphstore.View, c enumerator.Cycle) Score {
	n := len(c.Wallets)
	if n == 0 {
		return Score{}
	}

	values := make([]float64, n)
	collections := make([]models.CollectionID, n)
	for i, nft := range c.NFTs {
		rec, _ := view.NFT(nft)
		values[i] = rec.EstimatedValue
		collections[i] = rec.CollectionID
	}

	eff := efficiency(values)
	fair := fairness(values)
	quality := s.quality(view, c, values, collections, n)

	composite := WeightEfficiency*eff + WeightFairness*fair + WeightQuality*quality
	return Score{Efficiency: eff, Fairness: fair, Quality: quality, Composite: composite, MaxDepth: s.maxDepth}
}

// efficiency is the ratio of useful value moved to the maximum
// possible: every participant receiving the cycle's most valuable
// item would be the maximum; unknown-valued cycles default to full
// credit rather than penalizing missing price data twice (price
// confidence already accounts for that separately).
func efficiency(values []float64) float64 {
	total, max := 0.0, 0.0
	for _, v := range values {
		total += v
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		return 1.0
	}
	e := total / (max * float64(len(values)))
	return clip01(e)
}

// fairness is the inverse of the max per-participant value imbalance:
// participant i receives NFTs[i-1]'s value and gives NFTs[i]'s value;
// the spread between the best-off and worst-off participant, normalized
// by the average item value, is the imbalance.
func fairness(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 1.0
	}
	net := make([]float64, n)
	total := 0.0
	for i, v := range values {
		received := values[(i-1+n)%n]
		net[i] = received - v
		total += v
	}
	avg := total / float64(n)
	if avg <= 0 {
		return 1.0
	}
	minNet, maxNet := net[0], net[0]
	for _, v := range net[1:] {
		if v < minNet {
			minNet = v
		}
		if v > maxNet {
			maxNet = v
		}
	}
	imbalance := (maxNet - minNet) / (2 * avg)
	return clip01(1 - imbalance)
}

func (s *Scorer) quality(view *graphstore.View, c enumerator.Cycle, values []float64, collections []models.CollectionID, n int) float64 {
	w := s.weights

	total := w.CollectionDiversity * collectionDiversity(collections)
	total += w.AgeFreshness * ageFreshness(view, c.NFTs)
	total += w.OwnerReputation * neutralHookScore
	total += w.DegreeCentrality * degreeCentrality(view, c.Wallets)
	total += w.CycleLengthPenalty * cycleLengthPenalty(n, s.maxDepth)
	total += w.PriceConfidence * priceConfidence(values)
	total += w.RarityRankSpread * rarityRankSpread(view, collections)
	total += w.MutualWantStrength * mutualWantStrength(view, c)
	total += w.HistoricalSuccessRate * neutralHookScore
	total += w.CollectionDerivedRatio * collectionDerivedRatio(view, c)
	total += w.ValueVariance * valueVarianceScore(values)
	total += w.RoundTripDistance * roundTripDistance(view, c.Wallets)
	total += w.WanterDensity * wanterDensity(view, c.NFTs)
	total += w.StaleWantPenalty * staleWantPenalty(view, c)
	total += w.DuplicateCollection * duplicateCollectionPenalty(collections)
	total += w.ParticipantTrust * neutralHookScore
	return clip01(total)
}

func collectionDiversity(collections []models.CollectionID) float64 {
	if len(collections) == 0 {
		return 1.0
	}
	seen := make(map[models.CollectionID]struct{})
	for _, c := range collections {
		seen[c] = struct{}{}
	}
	return float64(len(seen)) / float64(len(collections))
}

func ageFreshness(view *graphstore.View, nfts []models.NFTID) float64 {
	if len(nfts) == 0 {
		return 1.0
	}
	const halfLifeDays = 30.0
	total := 0.0
	for _, id := range nfts {
		rec, ok := view.NFT(id)
		if !ok || rec.AddedAt.IsZero() {
			total += neutralHookScore
			continue
		}
		ageDays := time.Since(rec.AddedAt).Hours() / 24
		total += math.Exp(-ageDays / halfLifeDays)
	}
	return clip01(total / float64(len(nfts)))
}

func degreeCentrality(view *graphstore.View, wallets []models.WalletID) float64 {
	if len(wallets) == 0 {
		return 0
	}
	const normalizeBy = 10.0
	total := 0.0
	for _, w := range wallets {
		total += math.Min(1.0, float64(view.OutDegree(w))/normalizeBy)
	}
	return clip01(total / float64(len(wallets)))
}

// cycleLengthPenalty favors shorter cycles: a 2-participant swap scores
// 1.0, a cycle at maxDepth scores near 0.
func cycleLengthPenalty(n, maxDepth int) float64 {
	if maxDepth <= 2 {
		return 1.0
	}
	return clip01(1 - float64(n-2)/float64(maxDepth-2))
}

func priceConfidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	known := 0
	for _, v := range values {
		if v > 0 {
			known++
		}
	}
	return float64(known) / float64(len(values))
}

// rarityRankSpread proxies rarity by collection size in the absence of
// a dedicated rank field: items from smaller collections score rarer.
func rarityRankSpread(view *graphstore.View, collections []models.CollectionID) float64 {
	if len(collections) == 0 {
		return neutralHookScore
	}
	const normalizeBy = 1000.0
	total := 0.0
	for _, k := range collections {
		if k == "" {
			total += neutralHookScore
			continue
		}
		size := view.CollectionSize(k)
		if size == 0 {
			total += neutralHookScore
			continue
		}
		total += clip01(1 - float64(size)/normalizeBy)
	}
	return clip01(total / float64(len(collections)))
}

// mutualWantStrength rewards steps where the receiver placed a direct
// (not collection-derived) want, a stronger signal of genuine interest.
func mutualWantStrength(view *graphstore.View, c enumerator.Cycle) float64 {
	n := len(c.Wallets)
	if n == 0 {
		return 1.0
	}
	direct := 0
	for i := 0; i < n; i++ {
		to := c.Wallets[(i+1)%n]
		if kind, ok := view.WantKindOf(to, c.NFTs[i]); ok && kind == models.WantDirect {
			direct++
		}
	}
	return float64(direct) / float64(n)
}

func collectionDerivedRatio(view *graphstore.View, c enumerator.Cycle) float64 {
	return 1 - mutualWantStrength(view, c)
}

// valueVarianceScore rewards cycles whose moved values are close to
// each other (low coefficient of variation), the more intuitively
// "balanced" swap.
func valueVarianceScore(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 1.0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	if mean <= 0 {
		return 1.0
	}
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	cv := math.Sqrt(variance) / mean
	return clip01(1 - cv)
}

// roundTripDistance scores how tightly clustered the participants are
// in the tenant's lexicographic wallet ordering, a cheap proxy for
// graph locality without re-running a shortest-path search.
func roundTripDistance(view *graphstore.View, wallets []models.WalletID) float64 {
	nodes := view.Nodes()
	if len(nodes) <= 1 || len(wallets) == 0 {
		return 1.0
	}
	rank := make(map[models.WalletID]int, len(nodes))
	sorted := append([]models.WalletID(nil), nodes...)
	sortWallets(sorted)
	for i, w := range sorted {
		rank[w] = i
	}
	minR, maxR := rank[wallets[0]], rank[wallets[0]]
	for _, w := range wallets[1:] {
		r := rank[w]
		if r < minR {
			minR = r
		}
		if r > maxR {
			maxR = r
		}
	}
	spread := float64(maxR-minR) / float64(len(nodes))
	return clip01(1 - spread)
}

func wanterDensity(view *graphstore.View, nfts []models.NFTID) float64 {
	if len(nfts) == 0 {
		return 0
	}
	const normalizeBy = 5.0
	total := 0.0
	for _, id := range nfts {
		total += math.Min(1.0, float64(len(view.Wanters(id)))/normalizeBy)
	}
	return clip01(total / float64(len(nfts)))
}

// staleWantPenalty scores freshly-placed wants higher: a want sitting
// unmatched for a long time contributed more to search cost than one
// placed moments before discovery.
func staleWantPenalty(view *graphstore.View, c enumerator.Cycle) float64 {
	n := len(c.Wallets)
	if n == 0 {
		return 1.0
	}
	const halfLifeDays = 14.0
	total := 0.0
	for i := 0; i < n; i++ {
		to := c.Wallets[(i+1)%n]
		placedAt, ok := view.WantedAt(to, c.NFTs[i])
		if !ok || placedAt.IsZero() {
			total += neutralHookScore
			continue
		}
		ageDays := time.Since(placedAt).Hours() / 24
		total += math.Exp(-ageDays / halfLifeDays)
	}
	return clip01(total / float64(n))
}

// duplicateCollectionPenalty penalizes cycles where two *consecutive*
// steps draw from the same collection (a degenerate-looking loop),
// distinct from CollectionDiversity's overall-uniqueness measure.
func duplicateCollectionPenalty(collections []models.CollectionID) float64 {
	n := len(collections)
	if n < 2 {
		return 1.0
	}
	dup := 0
	for i := 0; i < n; i++ {
		next := collections[(i+1)%n]
		if collections[i] != "" && collections[i] == next {
			dup++
		}
	}
	return clip01(1 - float64(dup)/float64(n))
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortWallets(ws []models.WalletID) {
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && ws[j] < ws[j-1]; j-- {
			ws[j], ws[j-1] = ws[j-1], ws[j]
		}
	}
}
