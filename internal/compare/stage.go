package compare

import (
	"fmt"
	"sort"

	"github.com/gyeh/cpt-compare/internal/mrf"
	"github.com/gyeh/cpt-compare/internal/rates"
)

// partStage accumulates one part's updates as an overlay over the session.
// Reads fall through to the session; writes land in the stage. commit applies
// everything at once, so an aborted part leaves the session at its previous
// snapshot. The overlay is bounded by the distinct codes the part touches
// plus the (already capped) sample maps.
type partStage struct {
	s *Session

	counts       Counts
	samples      map[Bucket]*sampleMap
	onlyS1Sample []OnlyItem

	seenAdd      map[string]struct{}
	matchedAdd   map[string]struct{}
	matchedCCAdd map[string]struct{}
	onlyAdd      map[string]struct{}

	sums     map[string]*codeSummary
	bucketOv map[string]Bucket
	diffOv   map[string]float64
}

func (s *Session) newStage() *partStage {
	st := &partStage{
		s:            s,
		counts:       s.counts,
		samples:      make(map[Bucket]*sampleMap, len(buckets)),
		onlyS1Sample: append([]OnlyItem(nil), s.onlyS1Sample...),
		seenAdd:      map[string]struct{}{},
		matchedAdd:   map[string]struct{}{},
		matchedCCAdd: map[string]struct{}{},
		onlyAdd:      map[string]struct{}{},
		sums:         map[string]*codeSummary{},
		bucketOv:     map[string]Bucket{},
		diffOv:       map[string]float64{},
	}
	for _, b := range buckets {
		st.samples[b] = s.samples[b].Clone()
	}
	return st
}

func (st *partStage) commit() {
	s := st.s
	s.counts = st.counts
	s.samples = st.samples
	s.onlyS1Sample = st.onlyS1Sample
	for k := range st.seenAdd {
		s.seen[k] = struct{}{}
	}
	for k := range st.matchedAdd {
		s.matched[k] = struct{}{}
	}
	for k := range st.matchedCCAdd {
		s.matchedCC[k] = struct{}{}
	}
	for k := range st.onlyAdd {
		s.onlyInS1[k] = struct{}{}
	}
	for k, v := range st.sums {
		s.summaries[k] = v
	}
	for k, v := range st.bucketOv {
		s.bucketOf[k] = v
	}
	for k, v := range st.diffOv {
		s.diffOf[k] = v
	}
}

func (st *partStage) inSet(base, add map[string]struct{}, key string) bool {
	if _, ok := add[key]; ok {
		return true
	}
	_, ok := base[key]
	return ok
}

// summary returns the code's working summary, cloning the committed one on
// first touch within this part.
func (st *partStage) summary(code, description string) *codeSummary {
	if cs, ok := st.sums[code]; ok {
		return cs
	}
	if cs, ok := st.s.summaries[code]; ok {
		cloned := cs.clone()
		st.sums[code] = cloned
		return cloned
	}
	sum, err := rates.NewSummary(st.s.params.Rule)
	if err != nil {
		// Rule streamability is validated before the first item.
		panic(err)
	}
	cs := &codeSummary{description: description, sum: sum}
	st.sums[code] = cs
	return cs
}

func (st *partStage) bucketLookup(key string) (Bucket, float64, bool) {
	if b, ok := st.bucketOv[key]; ok {
		return b, st.diffOv[key], true
	}
	if b, ok := st.s.bucketOf[key]; ok {
		return b, st.s.diffOf[key], true
	}
	return "", 0, false
}

// reassign is the single bucket-transition operation: it retracts the key's
// previous contribution, applies the new one, and keeps the per-bucket sample
// maps consistent (a key lives in at most one bucket's samples).
func (st *partStage) reassign(key string, item Item) {
	diff := item.Source1Rate - item.Source2Rate

	if prev, prevDiff, ok := st.bucketLookup(key); ok {
		switch prev {
		case BucketHigherInSource1:
			st.counts.HigherInSource1--
			if prevDiff > 0 {
				st.counts.TotalHigherInSource1Amount -= prevDiff
			}
		case BucketHigherInSource2:
			st.counts.HigherInSource2--
			if prevDiff < 0 {
				st.counts.TotalHigherInSource2Amount -= -prevDiff
			}
		case BucketEqual:
			st.counts.Equal--
		}
	}

	var bucket Bucket
	switch {
	case diff > 0:
		bucket = BucketHigherInSource1
		st.counts.HigherInSource1++
		st.counts.TotalHigherInSource1Amount += diff
	case diff < 0:
		bucket = BucketHigherInSource2
		st.counts.HigherInSource2++
		st.counts.TotalHigherInSource2Amount += -diff
	default:
		bucket = BucketEqual
		st.counts.Equal++
	}

	st.bucketOv[key] = bucket
	st.diffOv[key] = diff

	for _, b := range buckets {
		if b != bucket {
			st.samples[b].Delete(key)
		}
	}
	sm := st.samples[bucket]
	if sm.Has(key) || sm.Len() < st.s.Limits.Samples {
		sm.Set(key, item)
	}
}

// processItem folds one extracted item into the stage.
func (st *partStage) processItem(item mrf.Item) {
	s := st.s
	code := item.Code

	if !st.inSet(s.seen, st.seenAdd, code) {
		st.seenAdd[code] = struct{}{}
		st.counts.TotalSource1++
	}

	if s.params.Rule == rates.RulePerOccurrence {
		st.processOccurrence(item)
		return
	}

	entry, inBaseline := s.baseline[code]
	if !inBaseline {
		st.recordOnlyInSource1(item, rates.RuleAvg)
		return
	}

	cs := st.summary(code, item.Description)
	cs.upgradeDescription(item.Description)
	for i := range item.Prices {
		if s.filter.Keep(&item.Prices[i]) {
			cs.sum.Update(&item.Prices[i])
		}
	}

	if !st.inSet(s.matched, st.matchedAdd, code) {
		st.matchedAdd[code] = struct{}{}
	}
	if s.params.Rule != rates.RuleAllClasses {
		st.counts.TotalCompared = len(s.matched) + len(st.matchedAdd)
	}

	if s.params.Rule == rates.RuleAllClasses {
		st.compareAllClasses(code, cs, entry)
	} else {
		st.compareScalar(code, cs, entry)
	}
}

func (st *partStage) compareScalar(code string, cs *codeSummary, entry *mrf.CPTEntry) {
	s := st.s
	base := s.baselineScalarFor(code, s.params.Rule)
	r1 := cs.sum.(rates.ScalarSummary).Scalar()

	st.reassign(code, Item{
		Code:                code,
		Source1Description:  cs.description,
		Source2Description:  entry.Description,
		DescriptionsMatch:   descriptionsMatch(cs.description, entry.Description),
		Source1Rate:         r1.Value,
		Source2Rate:         base.Value,
		Difference:          r1.Value - base.Value,
		PercentDifference:   PercentDiff(r1.Value, base.Value),
		Source1BillingClass: r1.BillingClass,
		Source2BillingClass: base.BillingClass,
		Source1RateCount:    r1.Count,
		Source2RateCount:    base.Count,
		RateBasis:           string(s.params.Rule),
	})
}

// compareAllClasses re-evaluates every class pair the code has on both sides.
// The comparison key is "code|class"; classes present on one side only never
// participate in bucketing.
func (st *partStage) compareAllClasses(code string, cs *codeSummary, entry *mrf.CPTEntry) {
	s := st.s
	s1Classes := cs.sum.(rates.ClassedSummary).ByClass()
	s2Classes := s.baselineClassesFor(code)

	classes := make([]string, 0, len(s1Classes))
	for cls := range s1Classes {
		if _, ok := s2Classes[cls]; ok {
			classes = append(classes, cls)
		}
	}
	sort.Strings(classes)

	for _, cls := range classes {
		key := fmt.Sprintf("%s|%s", code, cls)
		rate1 := s1Classes[cls].Max
		rate2 := s2Classes[cls].Max

		if !st.inSet(s.matchedCC, st.matchedCCAdd, key) {
			st.matchedCCAdd[key] = struct{}{}
		}
		st.counts.TotalCompared = len(s.matchedCC) + len(st.matchedCCAdd)

		st.reassign(key, Item{
			Code:               code,
			BillingClass:       cls,
			Source1Description: cs.description,
			Source2Description: entry.Description,
			DescriptionsMatch:  descriptionsMatch(cs.description, entry.Description),
			Source1Rate:        rate1,
			Source2Rate:        rate2,
			Difference:         rate1 - rate2,
			PercentDifference:  PercentDiff(rate1, rate2),
			RateBasis:          "all_classes_max",
		})
	}
}

// processOccurrence implements the per_occurrence rule: the item's own max is
// one occurrence, and a code keeps only its highest occurrence so far. The
// baseline side is always reduced with max.
func (st *partStage) processOccurrence(item mrf.Item) {
	s := st.s
	code := item.Code

	occRate, occClass, _ := rates.MaxWithClass(rates.Filter(item.Prices, s.filter))

	entry, inBaseline := s.baseline[code]
	if !inBaseline {
		if st.inSet(s.onlyInS1, st.onlyAdd, code) {
			return
		}
		st.onlyAdd[code] = struct{}{}
		st.counts.OnlyInSource1++
		if len(st.onlyS1Sample) < s.Limits.OnlyInSource1 {
			st.onlyS1Sample = append(st.onlyS1Sample, OnlyItem{
				Code:         code,
				BillingClass: occClass,
				Description:  item.Description,
				Rate:         occRate,
			})
		}
		return
	}

	cs := st.summary(code, item.Description)
	cs.upgradeDescription(item.Description)
	occ := cs.sum.(*rates.OccurrenceSummary)
	occ.Observe(occRate, occClass)

	if !st.inSet(s.matched, st.matchedAdd, code) {
		st.matchedAdd[code] = struct{}{}
	}
	st.counts.TotalCompared = len(s.matched) + len(st.matchedAdd)

	base := s.baselineScalarFor(code, rates.RuleMax)
	r1 := occ.Scalar()

	st.reassign(code, Item{
		Code:               code,
		BillingClass:       r1.BillingClass,
		Source1Description: cs.description,
		Source2Description: entry.Description,
		DescriptionsMatch:  descriptionsMatch(cs.description, entry.Description),
		Source1Rate:        r1.Value,
		Source2Rate:        base.Value,
		Difference:         r1.Value - base.Value,
		PercentDifference:  PercentDiff(r1.Value, base.Value),
		RateBasis:          "per_code_highest_occurrence_vs_baseline_max",
	})
}

// recordOnlyInSource1 notes a code absent from the baseline. The sample rate
// is a best-effort reduction of this one item's rates.
func (st *partStage) recordOnlyInSource1(item mrf.Item, sampleRule rates.Rule) {
	s := st.s
	code := item.Code
	if st.inSet(s.onlyInS1, st.onlyAdd, code) {
		return
	}
	st.onlyAdd[code] = struct{}{}
	st.counts.OnlyInSource1++
	if len(st.onlyS1Sample) < s.Limits.OnlyInSource1 {
		res, _ := rates.Reduce(item.Prices, sampleRule)
		st.onlyS1Sample = append(st.onlyS1Sample, OnlyItem{
			Code:        code,
			Description: item.Description,
			Rate:        res.Value,
		})
	}
}
