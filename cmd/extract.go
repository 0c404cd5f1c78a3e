package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/scraper"
	"github.com/JakeFAU/event-scraper/internal/server"
	"github.com/JakeFAU/event-scraper/internal/tasks"
)

type extractFlags struct {
	orgID        string
	imagePath    string
	waitMillis   int
	noScreenshot bool
}

// newExtractCmd creates the 'extract' subcommand. It runs one extraction
// in-process and prints the result as JSON, without storage or callbacks.
func newExtractCmd(load runtimeLoader) *cobra.Command {
	var flags extractFlags
	cmd := &cobra.Command{
		Use:   "extract [url]",
		Short: "Extracts one event and prints it as JSON",
		Long: `Runs the extraction pipeline once against a URL, an image, or both.
With only --image the flyer is read on its own; with a URL and --image the
page text and the image are combined.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rawURL string
			if len(args) == 1 {
				rawURL = strings.TrimSpace(args[0])
			}
			if rawURL == "" && flags.imagePath == "" {
				return errors.New("a url or --image is required")
			}
			if rawURL != "" {
				if err := tasks.ValidateURL(rawURL); err != nil {
					return err
				}
			}
			if flags.waitMillis < 0 || flags.waitMillis > tasks.MaxWaitMillis {
				return fmt.Errorf("--wait must be between 0 and %d milliseconds", tasks.MaxWaitMillis)
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			extraction, err := server.NewExtraction(cfg, logger)
			if err != nil {
				return err
			}
			defer extraction.Close()

			profile, err := extraction.Resolver.Resolve(cmd.Context(), flags.orgID)
			if err != nil {
				return fmt.Errorf("resolve org: %w", err)
			}

			var image []byte
			var mime string
			if flags.imagePath != "" {
				image, err = os.ReadFile(flags.imagePath)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
				mime = http.DetectContentType(image)
			}

			pipe := extraction.Pipeline.WithExtractor(profile.Extractor)
			var result pipeline.Result
			if rawURL == "" {
				result = pipe.AnalyzeImage(cmd.Context(), scraper.ImageRequest{
					Image:             image,
					MIMEType:          mime,
					SourceDescription: flags.imagePath,
					Timezone:          profile.Timezone,
				})
			} else {
				result = pipe.Run(cmd.Context(), pipeline.Request{
					URL:               rawURL,
					Timezone:          profile.Timezone,
					IncludeScreenshot: !flags.noScreenshot,
					OwnerNames:        []string{profile.Name},
					Wait:              time.Duration(flags.waitMillis) * time.Millisecond,
					Image:             image,
					ImageMIMEType:     mime,
				})
			}
			result.Metadata["org_id"] = profile.ID

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if !result.Success {
				return fmt.Errorf("extraction failed: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.orgID, "org", scraper.DefaultOrgID, "org profile to extract with")
	cmd.Flags().StringVar(&flags.imagePath, "image", "", "flyer image to read with or instead of the page")
	cmd.Flags().IntVar(&flags.waitMillis, "wait", 3000, "extra settle time for the headless browser, in milliseconds")
	cmd.Flags().BoolVar(&flags.noScreenshot, "no-screenshot", false, "skip the page screenshot")
	return cmd
}
