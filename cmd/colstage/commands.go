package main

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/normalizer"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/traverse"
)

func addTreeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("by-id", false, "Print source ids instead of names")
	cmd.Flags().String("lowest-rank", "", "Prune nodes ranked below this rank")
	cmd.Flags().Bool("no-synonyms", false, "Omit synonyms")
	cmd.Flags().Bool("paths", false, "Print one root-to-node path per line")
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, restore, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer restore()

	opts, err := cfg.StagingOptions()
	if err != nil {
		return err
	}
	ropts, err := cfg.ResolverOptions()
	if err != nil {
		return err
	}

	src, err := normalizer.OpenJSONL(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	var store *staging.Store
	if cfg.Staging.Dir == "" {
		store, err = staging.OpenTemporary(ctx, opts)
	} else {
		store, err = staging.Open(ctx, cfg.Staging.Dir, true, opts)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	nopts := normalizer.DefaultOptions()
	nopts.Resolver = ropts
	summary, err := normalizer.New(store, nopts).Run(ctx, src)
	if err != nil {
		// A half-loaded store is useless.
		store.CloseAndDelete()
		return err
	}
	printSummary(cmd, summary)

	if printTree, _ := cmd.Flags().GetBool("tree"); printTree {
		fmt.Fprintln(cmd.OutOrStdout())
		return writeTree(cmd, store)
	}
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	cfg, restore, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer restore()

	store, err := openExisting(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return writeTree(cmd, store)
}

func writeTree(cmd *cobra.Command, store *staging.Store) error {
	byID, _ := cmd.Flags().GetBool("by-id")
	noSynonyms, _ := cmd.Flags().GetBool("no-synonyms")
	paths, _ := cmd.Flags().GetBool("paths")
	lowest, _ := cmd.Flags().GetString("lowest-rank")

	opts := traverse.DefaultOptions()
	opts.IncludeSynonyms = !noSynonyms
	rank, err := model.ParseRank(lowest)
	if err != nil {
		return err
	}
	opts.LowestRank = rank

	t := traverse.New(store)
	out := cmd.OutOrStdout()
	if !paths {
		return traverse.Printer{ByID: byID}.PrintTree(out, t.Nodes(cmd.Context(), opts))
	}
	for p, err := range t.Paths(cmd.Context(), opts) {
		if err != nil {
			return err
		}
		if byID {
			ids := make([]string, len(p))
			for i, n := range p {
				ids[i] = n.SourceID
			}
			fmt.Fprintln(out, ids)
			continue
		}
		fmt.Fprintln(out, p)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, restore, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer restore()

	store, err := openExisting(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Location\t%s\n", store.Location())
	fmt.Fprintf(w, "State\t%s\n", st.State)
	fmt.Fprintf(w, "Nodes\t%s\n", humanize.Comma(st.Nodes))
	fmt.Fprintf(w, "  usages\t%s\n", humanize.Comma(st.Usages))
	fmt.Fprintf(w, "  names\t%s\n", humanize.Comma(st.Names))
	fmt.Fprintf(w, "  references\t%s\n", humanize.Comma(st.References))
	fmt.Fprintf(w, "  roots\t%s\n", humanize.Comma(st.Roots))
	fmt.Fprintf(w, "Edges\t%s\n", humanize.Comma(st.Edges))
	fmt.Fprintf(w, "Records\t%s\n", humanize.Comma(st.Records))
	fmt.Fprintf(w, "Graph size\t%s\n", humanize.Bytes(uint64(st.GraphBytes)))
	fmt.Fprintf(w, "Record size\t%s\n", humanize.Bytes(uint64(st.RecordBytes)))
	return w.Flush()
}

func printSummary(cmd *cobra.Command, s *normalizer.ImportSummary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Records\t%s\t(%s)\n", humanize.Comma(int64(s.Records)), s.Duration.Round(time.Millisecond))
	for _, k := range []model.Kind{model.KindUsage, model.KindName, model.KindReference} {
		if n := s.Kinds[k]; n > 0 {
			fmt.Fprintf(w, "  %s\t%s\n", k, humanize.Comma(int64(n)))
		}
	}
	if s.Malformed > 0 {
		fmt.Fprintf(w, "Malformed lines\t%s\n", humanize.Comma(int64(s.Malformed)))
	}

	rels := make([]model.RelType, 0, len(s.Resolver.Edges))
	for rel := range s.Resolver.Edges {
		rels = append(rels, rel)
	}
	slices.Sort(rels)
	for _, rel := range rels {
		fmt.Fprintf(w, "Edges %s\t%s\n", rel, humanize.Comma(int64(s.Resolver.Edges[rel])))
	}
	fmt.Fprintf(w, "Roots\t%s\n", humanize.Comma(int64(s.Resolver.Roots)))
	fmt.Fprintf(w, "Cycles broken\t%d\n", s.Resolver.CyclesBroken)

	for _, issue := range model.AllIssues {
		if n := s.Issues[issue]; n > 0 {
			fmt.Fprintf(w, "Issue %q\t%s\n", issue, humanize.Comma(int64(n)))
		}
	}
}
