package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

// sourceFile is the YAML document accepted by `sources import`.
type sourceFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	Name                  string             `yaml:"name"`
	URL                   string             `yaml:"url"`
	Type                  harvest.SourceType `yaml:"type"`
	Enabled               *bool              `yaml:"enabled"`
	ScrapeIntervalSeconds *int               `yaml:"scrape_interval_seconds"`
}

type importResult struct {
	Created int
	Skipped int
}

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage configured sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Create sources listed in a YAML file, skipping URLs that already exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := optionsFrom(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open source file: %w", err)
			}
			defer func() { _ = f.Close() }()
			entries, err := parseSourceFile(f)
			if err != nil {
				return err
			}

			repo, err := openRepository(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer closeRepository(repo)

			defaultInterval := time.Duration(opts.cfg.Scheduler.DefaultScrapeSeconds) * time.Second
			res, err := importSources(cmd.Context(), repo, entries, defaultInterval, opts.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, skipped %d\n", res.Created, res.Skipped)
			return nil
		},
	})
	return cmd
}

func parseSourceFile(r io.Reader) ([]sourceEntry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc sourceFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode source file: %w", err)
	}
	for i, e := range doc.Sources {
		if strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("sources[%d]: url required", i)
		}
		if e.ScrapeIntervalSeconds != nil && *e.ScrapeIntervalSeconds < 0 {
			return nil, fmt.Errorf("sources[%d]: scrape_interval_seconds must be >= 0", i)
		}
	}
	return doc.Sources, nil
}

func importSources(ctx context.Context, repo store.SourceRepository, entries []sourceEntry, defaultInterval time.Duration, logger *zap.Logger) (importResult, error) {
	existing, err := existingURLs(ctx, repo)
	if err != nil {
		return importResult{}, err
	}
	var res importResult
	for i, e := range entries {
		rawURL := strings.TrimSpace(e.URL)
		if _, ok := existing[rawURL]; ok {
			res.Skipped++
			continue
		}
		srcType, err := harvest.ClassifySource(rawURL, e.Type)
		if err != nil {
			return res, fmt.Errorf("sources[%d]: %w", i, err)
		}
		interval := defaultInterval
		if e.ScrapeIntervalSeconds != nil {
			interval = time.Duration(*e.ScrapeIntervalSeconds) * time.Second
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = rawURL
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		src, err := repo.CreateSource(ctx, harvest.Source{
			Name:           name,
			Type:           srcType,
			URL:            rawURL,
			Enabled:        enabled,
			ScrapeInterval: interval,
			Status:         harvest.SourceStatusActive,
		})
		if err != nil {
			return res, fmt.Errorf("create source %s: %w", rawURL, err)
		}
		existing[rawURL] = struct{}{}
		logger.Info("source imported",
			zap.String("source_id", src.ID),
			zap.String("url", src.URL),
			zap.String("type", string(src.Type)),
		)
		res.Created++
	}
	return res, nil
}

func existingURLs(ctx context.Context, repo store.SourceRepository) (map[string]struct{}, error) {
	urls := make(map[string]struct{})
	for offset := 0; ; offset += store.MaxLimit {
		page, err := repo.ListSources(ctx, store.SourceFilter{Limit: store.MaxLimit, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		for _, src := range page {
			urls[src.URL] = struct{}{}
		}
		if len(page) < store.MaxLimit {
			return urls, nil
		}
	}
}
