// wdotrader-export exports the SQLite closed-bracket archive to a Parquet
// file for offline analysis. Re-running merges with the existing file and
// deduplicates by bracket ID.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"wdotrader/internal/config"
	"wdotrader/internal/store"
)

func main() {
	_ = godotenv.Load()

	var (
		out   = flag.String("out", "", "output parquet path (default <data_dir>/closed_brackets.parquet)")
		limit = flag.Int("limit", 10000, "maximum brackets to export")
	)
	flag.Parse()

	cfgPath := "config/wdotrader.yaml"
	if p := os.Getenv("WDOTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Storage.SQLitePath == "" {
		log.Fatal("storage.sqlite_path is not configured, nothing to export")
	}

	path := *out
	if path == "" {
		path = filepath.Join(cfg.Storage.DataDir, "closed_brackets.parquet")
	}

	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer s.Close()

	brackets, err := s.ListClosedBrackets(context.Background(), cfg.Trading.Symbol, *limit)
	if err != nil {
		log.Fatalf("listing closed brackets: %v", err)
	}
	if len(brackets) == 0 {
		fmt.Println("no closed brackets to export")
		return
	}

	if err := store.ExportClosedBrackets(path, brackets); err != nil {
		log.Fatalf("exporting to parquet: %v", err)
	}
	fmt.Printf("exported %d closed brackets to %s\n", len(brackets), path)
}
