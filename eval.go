package rangegraph

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/exp/maps"
)

// sweepRow is one measured point of an ef ladder.
type sweepRow struct {
	ef     int
	recall float64
	qps    float64
	dco    float64
	hop    float64
}

func writeSweepCSV(path string, rows []sweepRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.ef),
			strconv.FormatFloat(row.recall, 'g', -1, 64),
			strconv.FormatFloat(row.qps, 'g', -1, 64),
			strconv.FormatFloat(row.dco, 'g', -1, 64),
			strconv.FormatFloat(row.hop, 'g', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return atomic.WriteFile(path, &buf)
}

// countHits tallies result ids found in gt, erroring on duplicate
// results, which indicate a corrupted index.
func countHits(results []Candidate, gt []int32) (int, error) {
	seen := make(map[int32]struct{}, len(results))
	hits := 0
	for _, c := range results {
		if _, dup := seen[c.ID]; dup {
			return 0, fmt.Errorf("repetitive search result id %d", c.ID)
		}
		seen[c.ID] = struct{}{}
		if slices.Contains(gt, c.ID) {
			hits++
		}
	}
	return hits, nil
}

// Evaluate sweeps the ef ladder over every loaded range suffix and
// writes one CSV per suffix under prefix, each row holding
// ef, recall, qps, dco, hop.
func (ix *Index) Evaluate(ds *Dataset, searchEF []int, prefix string, edgeLimit int, seed int64) error {
	keys := maps.Keys(ds.QueryRanges)
	slices.Sort(keys)

	for _, key := range keys {
		ranges := ds.QueryRanges[key]
		gt, ok := ds.Groundtruth[key]
		if !ok {
			return fmt.Errorf("no groundtruth loaded for range suffix %q", key)
		}
		slog.Info("evaluating", "suffix", key)

		rows := make([]sweepRow, 0, len(searchEF))
		for _, ef := range searchEF {
			ix.ResetMetrics()
			rng := rand.New(rand.NewSource(seed))

			hits := 0
			var elapsed time.Duration
			for qid := int32(0); qid < ds.QueryNb; qid++ {
				r := ranges[qid]
				start := time.Now()
				results, err := ix.SearchRange(rng, ds.Queries[qid], ef, ds.QueryK, r.Ql, r.Qr, edgeLimit)
				elapsed += time.Since(start)
				if err != nil {
					return fmt.Errorf("suffix %s query %d ef %d: %w", key, qid, ef, err)
				}
				h, err := countHits(results, gt[qid])
				if err != nil {
					return fmt.Errorf("suffix %s query %d ef %d: %w", key, qid, ef, err)
				}
				hits += h
			}

			m := ix.Metrics()
			nq := float64(ds.QueryNb)
			rows = append(rows, sweepRow{
				ef:     ef,
				recall: float64(hits) / nq / float64(ds.QueryK),
				qps:    nq / elapsed.Seconds(),
				dco:    float64(m.DistanceComputations) / nq,
				hop:    float64(m.Hops) / nq,
			})
		}

		if err := writeSweepCSV(prefix+key+".csv", rows); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate sweeps the ef ladder over every loaded constraint domain,
// writing one CSV per domain. Results and groundtruth are both in
// original id space.
func (ms *MultiSearcher) Evaluate(searchEF []int, prefix string, edgeLimit int, seed int64) error {
	keys := maps.Keys(ms.ds.Constraints)
	slices.Sort(keys)

	for _, key := range keys {
		cons := ms.ds.Constraints[key]
		windows, ok := ms.ds.QueryRanges[key]
		if !ok {
			return fmt.Errorf("constraint domain %q has no bisected windows; run SortByAttr first", key)
		}
		gt, ok := ms.ds.Groundtruth[key]
		if !ok {
			return fmt.Errorf("no groundtruth loaded for domain %q", key)
		}
		slog.Info("evaluating", "domain", key)

		rows := make([]sweepRow, 0, len(searchEF))
		for _, ef := range searchEF {
			ms.ResetMetrics()
			rng := rand.New(rand.NewSource(seed))

			hits := 0
			var elapsed time.Duration
			for qid := int32(0); qid < ms.ds.QueryNb; qid++ {
				w := windows[qid]
				start := time.Now()
				results, err := ms.SearchMulti(rng, ms.ds.Queries[qid], ef, ms.ds.QueryK, w.Ql, w.Qr, edgeLimit, cons[qid].Ranges)
				elapsed += time.Since(start)
				if err != nil {
					return fmt.Errorf("domain %s query %d ef %d: %w", key, qid, ef, err)
				}
				h, err := countHits(results, gt[qid])
				if err != nil {
					return fmt.Errorf("domain %s query %d ef %d: %w", key, qid, ef, err)
				}
				hits += h
			}

			m := ms.Metrics()
			nq := float64(ms.ds.QueryNb)
			rows = append(rows, sweepRow{
				ef:     ef,
				recall: float64(hits) / nq / float64(ms.ds.QueryK),
				qps:    nq / elapsed.Seconds(),
				dco:    float64(m.DistanceComputations) / nq,
				hop:    float64(m.Hops) / nq,
			})
		}

		if err := writeSweepCSV(prefix+key+".csv", rows); err != nil {
			return err
		}
	}
	return nil
}
