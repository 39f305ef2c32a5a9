package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	rangegraph "github.com/YuexuanXu7/iRangeGraph"
)

// queryK matches the groundtruth depth used by the workload files.
const queryK = 10

// Search ef ladders, widest first so the slowest runs report early.
var (
	defaultSearchEF = []int{
		1700, 1400, 1100, 1000, 900, 800, 700, 600, 500, 400, 300, 250,
		200, 180, 160, 140, 120, 100, 90, 80, 70, 60, 55, 50, 45, 40,
		35, 30, 25, 20, 15, 10,
	}
	defaultMultiSearchEF = []int{
		1400, 700, 400, 300, 250, 200, 180, 160, 140, 120, 100, 90, 80,
		70, 60, 55, 50, 45, 40, 35, 30, 25, 20, 15, 10,
	}
)

// fileConfig is the optional irangegraph.toml in the working
// directory; flags override it.
type fileConfig struct {
	M              int    `toml:"m"`
	EfConstruction int    `toml:"ef_construction"`
	Threads        int    `toml:"threads"`
	EdgeLimit      int    `toml:"edge_limit"`
	Seed           int64  `toml:"seed"`
	Metric         string `toml:"metric"`
	SearchEF       []int  `toml:"search_ef"`
	MaxStep        int    `toml:"max_step"`
	PurePost       *bool  `toml:"pure_post"`
}

func main() {
	defaults := fileConfig{
		M:              32,
		EfConstruction: 400,
		Threads:        32,
		Seed:           0,
		Metric:         "euclidean",
		MaxStep:        rangegraph.DefaultMaxStep,
	}
	if b, err := os.ReadFile("irangegraph.toml"); err == nil {
		if err := toml.Unmarshal(b, &defaults); err != nil {
			fmt.Fprintf(os.Stderr, "irangegraph.toml: %v\n", err)
			os.Exit(1)
		}
	}
	purePost := true
	if defaults.PurePost != nil {
		purePost = *defaults.PurePost
	}

	root := &cobra.Command{
		Use:           "irangegraph",
		Short:         "Range-filtered approximate nearest-neighbor search",
		Long:          "irangegraph builds and serves a segment-tree-layered proximity graph for range-filtered k-NN search.\nDefaults may be supplied in ./irangegraph.toml; flags take precedence.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		dataPath  string
		queryPath string
		indexFile string
		m         int
		seed      int64
		metric    string
	)
	root.PersistentFlags().StringVar(&dataPath, "data_path", "", "dataset vector file")
	root.PersistentFlags().StringVar(&queryPath, "query_path", "", "query vector file")
	root.PersistentFlags().StringVar(&indexFile, "index_file", "", "index file path")
	root.PersistentFlags().IntVar(&m, "M", defaults.M, "maximum out-degree per point and layer")
	root.PersistentFlags().Int64Var(&seed, "seed", defaults.Seed, "RNG seed for build sampling and search entry points")
	root.PersistentFlags().StringVar(&metric, "metric", defaults.Metric, "distance function (euclidean, squared-euclidean, cosine, inner-product)")

	requirePaths := func(paths map[string]string) error {
		for name, value := range paths {
			if value == "" {
				return fmt.Errorf("%s is empty", name)
			}
		}
		return nil
	}

	var (
		efConstruction int
		threads        int
	)
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build an index from a dataset sorted by its primary attribute",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePaths(map[string]string{"data_path": dataPath, "index_file": indexFile}); err != nil {
				return err
			}
			dist, err := rangegraph.DistanceByName(metric)
			if err != nil {
				return err
			}

			ds := &rangegraph.Dataset{}
			if err := ds.LoadData(dataPath); err != nil {
				return err
			}
			builder, err := rangegraph.NewBuilder(ds, rangegraph.BuildConfig{
				M:              m,
				EfConstruction: efConstruction,
				Threads:        threads,
				Seed:           seed,
				Distance:       dist,
			})
			if err != nil {
				return err
			}
			if err := builder.BuildAndSave(indexFile); err != nil {
				return err
			}
			slog.Info("saved index", "path", indexFile)
			return nil
		},
	}
	buildCmd.Flags().IntVar(&efConstruction, "ef_construction", defaults.EfConstruction, "construction beam width")
	buildCmd.Flags().IntVar(&threads, "threads", defaults.Threads, "build parallelism")

	var (
		rangePrefix  string
		gtPrefix     string
		resultPrefix string
		edgeLimit    int
		generate     bool
	)
	addSweepFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&rangePrefix, "range_saveprefix", "", "prefix of the query range files")
		cmd.Flags().StringVar(&gtPrefix, "groundtruth_saveprefix", "", "prefix of the groundtruth files")
		cmd.Flags().StringVar(&resultPrefix, "result_saveprefix", "", "prefix of the result CSV files")
		cmd.Flags().IntVar(&edgeLimit, "edge_limit", defaults.EdgeLimit, "max edges yielded per expansion (0 = M)")
		cmd.Flags().BoolVar(&generate, "generate", false, "generate range and groundtruth files before searching")
	}

	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Sweep single-range queries against an index",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := requirePaths(map[string]string{
				"data_path": dataPath, "query_path": queryPath, "index_file": indexFile,
				"range_saveprefix": rangePrefix, "groundtruth_saveprefix": gtPrefix,
				"result_saveprefix": resultPrefix,
			})
			if err != nil {
				return err
			}
			dist, err := rangegraph.DistanceByName(metric)
			if err != nil {
				return err
			}

			ds := &rangegraph.Dataset{QueryK: queryK}
			if err := ds.LoadQueries(queryPath); err != nil {
				return err
			}
			if generate {
				if err := ds.LoadData(dataPath); err != nil {
					return err
				}
				gen := &rangegraph.QueryGenerator{
					DataNb:  ds.DataNb,
					QueryNb: ds.QueryNb,
					Rng:     rand.New(rand.NewSource(seed)),
				}
				if err := gen.GenerateRanges(rangePrefix); err != nil {
					return err
				}
				if err := ds.LoadQueryRanges(rangePrefix); err != nil {
					return err
				}
				if err := gen.GenerateGroundtruth(gtPrefix, ds, dist); err != nil {
					return err
				}
			} else if err := ds.LoadQueryRanges(rangePrefix); err != nil {
				return err
			}
			if err := ds.LoadGroundtruth(gtPrefix); err != nil {
				return err
			}

			ix, err := rangegraph.OpenIndex(dataPath, indexFile, m, dist)
			if err != nil {
				return err
			}
			searchEF := defaults.SearchEF
			if len(searchEF) == 0 {
				searchEF = defaultSearchEF
			}
			return ix.Evaluate(ds, searchEF, resultPrefix, edgeLimit, seed)
		},
	}
	addSweepFlags(searchCmd)

	var (
		attribute1 string
		attribute2 string
		maxStep    int
		pure       bool
	)
	multiCmd := &cobra.Command{
		Use:   "multisearch",
		Short: "Sweep multi-attribute queries against an index",
		Long:  "multisearch serves queries constrained on two attribute ranges.\nThe index must have been built on the dataset sorted by the first attribute.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := requirePaths(map[string]string{
				"data_path": dataPath, "query_path": queryPath, "index_file": indexFile,
				"range_saveprefix": rangePrefix, "groundtruth_saveprefix": gtPrefix,
				"result_saveprefix": resultPrefix,
				"attribute1":        attribute1, "attribute2": attribute2,
			})
			if err != nil {
				return err
			}
			dist, err := rangegraph.DistanceByName(metric)
			if err != nil {
				return err
			}

			ds := &rangegraph.Dataset{QueryK: queryK}
			if err := ds.LoadQueries(queryPath); err != nil {
				return err
			}
			if err := ds.LoadData(dataPath); err != nil {
				return err
			}
			// Attribute order matters: the first attribute is the one
			// the dataset and index are sorted by.
			if err := ds.LoadAttribute(attribute1); err != nil {
				return err
			}
			if err := ds.LoadAttribute(attribute2); err != nil {
				return err
			}

			if generate {
				if err := ds.Synthesize2DRanges(rangePrefix, rand.New(rand.NewSource(seed))); err != nil {
					return err
				}
				if err := ds.LoadMixedRanges(rangePrefix); err != nil {
					return err
				}
				if err := ds.GenerateGroundtruthMulti(gtPrefix, dist); err != nil {
					return err
				}
			} else if err := ds.LoadMixedRanges(rangePrefix); err != nil {
				return err
			}
			if err := ds.LoadGroundtruth(gtPrefix); err != nil {
				return err
			}
			if err := ds.SortByAttr(0); err != nil {
				return err
			}

			ms, err := rangegraph.NewMultiSearcher(indexFile, ds, m, dist, rangegraph.MultiOptions{
				MaxStep:  maxStep,
				PurePost: pure,
			})
			if err != nil {
				return err
			}
			searchEF := defaults.SearchEF
			if len(searchEF) == 0 {
				searchEF = defaultMultiSearchEF
			}
			return ms.Evaluate(searchEF, resultPrefix, edgeLimit, seed)
		},
	}
	addSweepFlags(multiCmd)
	multiCmd.Flags().StringVar(&attribute1, "attribute1", "", "first (primary) attribute file")
	multiCmd.Flags().StringVar(&attribute2, "attribute2", "", "second attribute file")
	multiCmd.Flags().IntVar(&maxStep, "max_step", defaults.MaxStep, "out-of-range hop cutoff")
	multiCmd.Flags().BoolVar(&pure, "pure_post", purePost, "disable the probability gate (pure post-filtering)")

	root.AddCommand(buildCmd, searchCmd, multiCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "irangegraph:", err)
		os.Exit(1)
	}
}
