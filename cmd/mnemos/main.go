// Interactive console for the mnemos engine. Single lines execute
// immediately; `.begin` / `.end` bracket multi-line scripts.
//
// Examples:
//
//	go run ./cmd/mnemos
//	go run ./cmd/mnemos -storage postgres -dsn postgres://localhost/mnemos -vector pgvector
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mnemosdb/mnemos"
	"github.com/mnemosdb/mnemos/src/query"
	"github.com/mnemosdb/mnemos/src/script"
)

var (
	flagStorage = flag.String("storage", "memory", "Storage driver: memory|postgres|redis|mongo")
	flagDSN     = flag.String("dsn", "", "Connection string for non-memory storage")
	flagMongoDB = flag.String("mongo-db", "mnemos", "Mongo database name")
	flagVector  = flag.String("vector", "memory", "Vector driver: memory|pgvector")
	flagDims    = flag.Int("dims", 768, "Default embedding dimensionality")
	flagCaller  = flag.String("caller", "console", "Caller identity for executed scripts")
	flagTimeout = flag.Duration("timeout", 30*time.Second, "Per-script execution timeout")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg := mnemos.DefaultConfig()
	cfg.StorageDriver = *flagStorage
	cfg.StorageDSN = *flagDSN
	cfg.MongoDatabase = *flagMongoDB
	cfg.VectorDriver = *flagVector
	cfg.EmbedDims = *flagDims
	cfg.Query.ExecutionTimeout = *flagTimeout

	ctx := context.Background()
	eng, err := mnemos.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer eng.Close(ctx)

	fmt.Printf("mnemos console (caller %q). Type .help for commands.\n", *flagCaller)
	repl(ctx, eng)
}

func repl(ctx context.Context, eng *mnemos.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var block []string
	inBlock := false
	prompt := func() {
		if inBlock {
			fmt.Print("  ... ")
		} else {
			fmt.Print("mnemos> ")
		}
	}

	for prompt(); scanner.Scan(); prompt() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if inBlock {
			if trimmed == ".end" {
				run(ctx, eng, strings.Join(block, "\n"))
				block, inBlock = nil, false
			} else if trimmed == ".cancel" {
				block, inBlock = nil, false
			} else {
				block = append(block, line)
			}
			continue
		}

		switch {
		case trimmed == "":
		case trimmed == ".quit" || trimmed == ".exit":
			return
		case trimmed == ".help":
			printHelp()
		case trimmed == ".begin":
			inBlock = true
		case trimmed == ".namespaces":
			for _, spec := range eng.Namespaces() {
				fmt.Printf("  %-24s %4dd %-13s %s\n",
					spec.Name, spec.Dimensions, spec.Metric, spec.State)
			}
		case strings.HasPrefix(trimmed, ".validate"):
			validate(eng, strings.TrimSpace(strings.TrimPrefix(trimmed, ".validate")))
		case strings.HasPrefix(trimmed, "."):
			fmt.Printf("unknown command %s; try .help\n", trimmed)
		default:
			run(ctx, eng, line)
		}
	}
}

func run(ctx context.Context, eng *mnemos.Engine, source string) {
	if strings.TrimSpace(source) == "" {
		return
	}
	result, err := eng.Execute(ctx, source, *flagCaller)
	if err != nil {
		printError(err)
		return
	}
	if result == "" {
		fmt.Println("ok")
		return
	}
	fmt.Println(result)
}

func validate(eng *mnemos.Engine, source string) {
	if source == "" {
		fmt.Println("usage: .validate <script>")
		return
	}
	res := eng.Validate(source)
	if res.Valid {
		fmt.Println("valid")
	}
	for _, e := range res.Errors {
		fmt.Printf("error   %s\n", e.Error())
		if e.Suggestion != "" {
			fmt.Printf("        hint: %s\n", e.Suggestion)
		}
	}
	for _, w := range res.Warnings {
		fmt.Printf("warning %s: %s\n", w.Kind, w.Message)
	}
}

func printError(err error) {
	var inv *query.InvalidError
	if errors.As(err, &inv) {
		for _, e := range inv.Errors {
			fmt.Printf("invalid: %s\n", e.Error())
			if e.Suggestion != "" {
				fmt.Printf("         hint: %s\n", e.Suggestion)
			}
		}
		return
	}
	var rte *script.RuntimeError
	if errors.As(err, &rte) {
		fmt.Printf("%s: %s\n", rte.Kind, rte.Message)
		return
	}
	fmt.Println("error:", err)
}

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  .begin               start a multi-line script (.end runs it, .cancel discards)")
	fmt.Println("  .validate <script>   check a script without running it")
	fmt.Println("  .namespaces          list registered namespaces")
	fmt.Println("  .quit                leave the console")
	fmt.Println("anything else executes as a script.")
}
