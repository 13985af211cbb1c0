// Command flashkv is a small CLI over the engine package, for manually
// exercising the write-ahead log, memtable, and sstable flush path end to
// end. Flags are parsed with the standard library's flag package rather
// than a CLI framework: this surface is a handful of subcommands over one
// directory argument, nothing that benefits from a command tree.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/arvindh/ledgerkv/engine"
)

func usage() {
	fmt.Fprintf(os.Stderr, `flashkv -dir DIR COMMAND [ARGS]

Commands:
  put KEY VALUE   write key/value
  get KEY         read a value
  delete KEY      remove a value
`)
}

func main() {
	dir := flag.String("dir", "", "database directory")
	flushThreshold := flag.Int("flush-threshold", 1000, "memtable entries before a flush")
	groupCount := flag.Uint("group-count", 32, "sstable group size")
	bloomFPRate := flag.Float64("bloom-fp-rate", 0, "bloom filter false positive rate (0 disables)")
	flag.Usage = usage
	flag.Parse()

	if *dir == "" || flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	opts := []engine.Option{
		engine.WithFlushThreshold(*flushThreshold),
		engine.WithGroupCount(uint32(*groupCount)),
	}
	if *bloomFPRate > 0 {
		opts = append(opts, engine.WithBloomFilter(*bloomFPRate))
	}

	db, err := engine.Open(*dir, opts...)
	if err != nil {
		slog.Error("flashkv: open failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("flashkv: close failed", "error", err)
			os.Exit(1)
		}
	}()

	if err := run(db, flag.Args()); err != nil {
		slog.Error("flashkv: command failed", "error", err)
		os.Exit(1)
	}
}

func run(db engine.DB, args []string) error {
	switch args[0] {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("put requires KEY VALUE")
		}
		return db.Put([]byte(args[1]), []byte(args[2]))

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("get requires KEY")
		}
		value, ok, err := db.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(value))
		return nil

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("delete requires KEY")
		}
		return db.Delete([]byte(args[1]))

	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}
