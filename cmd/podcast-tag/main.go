// podcast-tag writes the ".tag" sidecar for one or more mp3 payloads so they
// show up in podcast-sync listings. The sidecar is placed next to each payload
// unless --out names another directory.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"podcast-sync/internal/sidecar"
	"podcast-sync/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	logger := log.New(os.Stderr, "podcast-tag ", log.LstdFlags|log.Lmsgprefix)

	flags := pflag.NewFlagSet("podcast-tag", pflag.ContinueOnError)
	outDir := flags.StringP("out", "o", "", "directory to write sidecars to (default: next to each payload)")
	priority := flags.String("priority", "", "priority value recorded in each sidecar")
	feedURL := flags.String("feed-url", "", "feed URL recorded in each sidecar")
	artist := flags.String("artist", "", "artist used when the payload carries no artist tag")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	payloads := flags.Args()
	if len(payloads) == 0 {
		return errors.New("usage: podcast-tag [flags] EPISODE.mp3...")
	}

	var failed int
	for _, payload := range payloads {
		if ext := filepath.Ext(payload); ext != store.PayloadExt {
			if strings.EqualFold(ext, store.PayloadExt) {
				logger.Printf("skipping %s: rename to %s, the server only lists %s payloads", payload, strings.TrimSuffix(filepath.Base(payload), ext)+store.PayloadExt, store.PayloadExt)
			} else {
				logger.Printf("skipping %s: not an mp3 payload", payload)
			}
			failed++
			continue
		}

		sc, err := sidecar.Build(payload)
		if err != nil {
			logger.Printf("inspect %s: %v", payload, err)
			failed++
			continue
		}
		sc.Priority = *priority
		sc.FeedURL = *feedURL
		if sc.Artist == "" {
			sc.Artist = *artist
		}

		dir := *outDir
		if dir == "" {
			dir = filepath.Dir(payload)
		}
		path, err := sc.WriteFile(dir)
		if err != nil {
			logger.Printf("write sidecar for %s: %v", payload, err)
			failed++
			continue
		}
		logger.Printf("wrote %s", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d payloads failed", failed, len(payloads))
	}
	return nil
}
